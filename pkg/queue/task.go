// Package queue defines the ingestion task queue: an at-least-once delivery
// queue consumed by workers in consumer groups, with acknowledgment and task
// status reporting.
package queue

import (
	"context"
	"io"
	"time"

	"github.com/meridian-iot/floodgate/pkg/telemetry"
)

// Status is the operator-visible lifecycle state of a task.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Task is one queued unit of ingestion work. The tenant is resolved at
// enqueue time; only the credential digest travels with the task, never the
// raw credential.
type Task struct {
	TaskID           string                   `json:"taskId"`
	TenantID         string                   `json:"tenantId"`
	DeviceID         string                   `json:"deviceId"`
	DeviceType       string                   `json:"deviceType"`
	Measurements     telemetry.MeasurementSet `json:"measurements"`
	CredentialDigest string                   `json:"credentialDigest,omitempty"`
	EnqueuedAt       time.Time                `json:"enqueuedAt"`

	// EntryID identifies this delivery in the underlying stream. It is set
	// on consumed tasks and never serialized.
	EntryID string `json:"-"`
}

// TaskQueue is the at-least-once task queue contract. A consumed task stays
// pending until Acknowledge is called for it; a worker that restarts under
// the same consumer name re-reads its pending backlog before new work.
type TaskQueue interface {
	// Enqueue adds a task, assigning TaskID and EnqueuedAt when unset.
	Enqueue(ctx context.Context, task *Task) error

	// Consume fetches up to count tasks for the named consumer. It may block
	// briefly when the queue is empty and then return an empty slice, which
	// callers use as their idle tick.
	Consume(ctx context.Context, group, consumer string, count int64) ([]Task, error)

	// Acknowledge removes a consumed task from the pending set.
	Acknowledge(ctx context.Context, group string, task Task) error

	// SetStatus records the task's lifecycle state with an optional error
	// message, for operator visibility.
	SetStatus(ctx context.Context, taskID string, status Status, message string) error

	io.Closer
}
