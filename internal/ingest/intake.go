// Package ingest turns new platform messages into durable process_message
// tasks. Every listener (the bot poller, the Kafka topic) goes through it.
package ingest

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/kellyson520/tg-forwarder/internal/config"
	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
)

type TaskPusher interface {
	Push(ctx context.Context, task *models.Task) (bool, error)
}

// PriorityMap reports the highest rule priority per source chat.
type PriorityMap interface {
	GetPriorityMap(ctx context.Context) (map[string]int, error)
}

type Waker interface {
	Wake()
}

type Intake struct {
	tasks      TaskPusher
	priorities PriorityMap
	waker      Waker
	cfg        config.QueueConfig
	validate   *validator.Validate
}

func New(tasks TaskPusher, priorities PriorityMap, waker Waker, cfg config.QueueConfig) *Intake {
	return &Intake{
		tasks:      tasks,
		priorities: priorities,
		waker:      waker,
		cfg:        cfg,
		validate:   models.NewValidator(),
	}
}

// Priority is the base priority of a live message from chatID: the live
// default, raised to the highest priority among the chat's rules.
func (in *Intake) Priority(ctx context.Context, chatID int64) int {
	p := in.cfg.PriorityLive
	if in.priorities == nil {
		return p
	}
	pm, err := in.priorities.GetPriorityMap(ctx)
	if err != nil {
		logx.Warnw(ctx, "priority map unavailable", "error", err)
		return p
	}
	return max(p, pm[strconv.FormatInt(chatID, 10)])
}

// Submit stores msg as a process_message task. It reports false when the
// message was already submitted.
func (in *Intake) Submit(ctx context.Context, msg *models.Message) (bool, error) {
	if err := in.validate.Struct(msg); err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	payload := &models.ProcessMessagePayload{
		ChatID:    msg.ChatID,
		MessageID: msg.ID,
		HasMedia:  msg.HasMedia(),
		GroupedID: msg.GroupedID,
	}
	task, err := models.NewTask(models.TaskProcessMessage, payload, in.Priority(ctx, msg.ChatID))
	if err != nil {
		return false, err
	}
	task.UniqueKey = models.TaskUniqueKey(models.TaskProcessMessage, msg.ChatID, msg.ID)
	task.GroupedID = msg.GroupedID

	ok, err := in.tasks.Push(ctx, task)
	if err != nil {
		return false, fmt.Errorf("push task: %w", err)
	}
	if ok && in.waker != nil {
		in.waker.Wake()
	}
	logx.Debugw(ctx, "message submitted", "chat_id", msg.ChatID, "msg_id", msg.ID, "priority", task.Priority, "new", ok)
	return ok, nil
}
