package producer

import (
	"context"
	"errors"

	"github.com/cuongbtq/taskbroker/internal/domain"
	"github.com/cuongbtq/taskbroker/internal/transport"
)

// ListTasks returns one page of the user's tasks from the broker
func (p *Producer) ListTasks(ctx context.Context, userID string, pageIndex, pageSize int) ([]domain.TaskView, error) {
	req := domain.ListTasksRequest{UserID: userID, PageIndex: pageIndex, PageSize: pageSize}

	var resp domain.ListTasksResponse
	if err := transport.RequestJSON(ctx, p.bus, domain.SubjectAdminList, req, &resp, p.adminTimeout); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Tasks, nil
}

// RestartTask asks the broker to requeue a failed task owned by userID
func (p *Producer) RestartTask(ctx context.Context, taskID, userID string) error {
	return p.taskAction(ctx, domain.SubjectAdminRestart, taskID, userID)
}

// DeleteTask asks the broker to remove a task owned by userID
func (p *Producer) DeleteTask(ctx context.Context, taskID, userID string) error {
	return p.taskAction(ctx, domain.SubjectAdminDelete, taskID, userID)
}

func (p *Producer) taskAction(ctx context.Context, subject, taskID, userID string) error {
	var ack domain.Ack
	req := domain.TaskActionRequest{TaskID: taskID, UserID: userID}
	if err := transport.RequestJSON(ctx, p.bus, subject, req, &ack, p.adminTimeout); err != nil {
		return err
	}
	if !ack.OK {
		return errors.New(ack.Error)
	}
	return nil
}
