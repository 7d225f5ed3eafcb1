// internal/workers/notification/compose/handler.go
package compose

import (
	"context"
	"encoding/json"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"

	commonerrors "workspace-notifications/internal/common/errors"
	"workspace-notifications/internal/common/logger"
	"workspace-notifications/internal/common/metrics"
	"workspace-notifications/internal/models"
	"workspace-notifications/internal/notification/service"
)

// NotificationService is the service surface this worker needs.
type NotificationService interface {
	CreateAndSend(ctx context.Context, in *service.Input) (*models.Notification, error)
}

type Handler struct {
	config       *Config
	service      NotificationService
	errorHandler *commonerrors.ErrorHandler
	logger       logger.Logger
}

func NewHandler(config *Config, svc NotificationService, log logger.Logger) *Handler {
	scoped := log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:       config,
		service:      svc,
		errorHandler: commonerrors.NewErrorHandler(scoped),
		logger:       scoped,
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	start := time.Now()
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	var rawVariables map[string]interface{}
	if err := json.Unmarshal([]byte(job.Variables), &rawVariables); err != nil {
		h.errorHandler.HandleJobError(ctx, client, job, commonerrors.NewInvalidNotificationInputError(err.Error()))
		metrics.WorkerJobsFailed.WithLabelValues(TaskType, string(commonerrors.ErrCodeInvalidNotificationInput)).Inc()
		return
	}
	if err := validateInput(rawVariables); err != nil {
		h.errorHandler.HandleJobError(ctx, client, job, commonerrors.NewInvalidNotificationInputError(err.Error()))
		metrics.WorkerJobsFailed.WithLabelValues(TaskType, string(commonerrors.ErrCodeInvalidNotificationInput)).Inc()
		return
	}

	var input Input
	if err := json.Unmarshal([]byte(job.Variables), &input); err != nil {
		h.errorHandler.HandleJobError(ctx, client, job, commonerrors.NewInvalidNotificationInputError(err.Error()))
		metrics.WorkerJobsFailed.WithLabelValues(TaskType, string(commonerrors.ErrCodeInvalidNotificationInput)).Inc()
		return
	}

	output, err := h.execute(ctx, &input)
	if err != nil {
		h.errorHandler.HandleJobError(ctx, client, job, err)
		metrics.WorkerJobsFailed.WithLabelValues(TaskType, "EXECUTE_FAILED").Inc()
		return
	}

	h.completeJob(client, job, output)
	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(start).Seconds())
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	channels := make([]models.Channel, len(input.Channels))
	for i, c := range input.Channels {
		channels[i] = models.Channel(c)
	}

	n, err := h.service.CreateAndSend(ctx, &service.Input{
		RecipientID: input.RecipientID,
		WorkspaceID: input.WorkspaceID,
		Type:        models.NotificationType(input.Type),
		Title:       input.Title,
		Message:     input.Message,
		Data:        input.Data,
		Channels:    channels,
	})
	if err != nil {
		return nil, err
	}

	effective := make([]string, len(n.Channels))
	for i, c := range n.Channels {
		effective[i] = string(c)
	}

	return &Output{
		NotificationID: n.ID,
		Channels:       effective,
		CreatedAt:      n.CreatedAt.Format(time.RFC3339),
	}, nil
}

func (h *Handler) completeJob(client worker.JobClient, job entities.Job, output *Output) {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{
			"error": err,
		})
		return
	}
	_, err = cmd.Send(context.Background())
	if err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{
			"error": err,
		})
	}
}

// Execute runs the worker's business step directly, bypassing the job plumbing.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}
