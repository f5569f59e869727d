package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"villaops/internal/config"
	"villaops/internal/database"
	"villaops/internal/domain"
	"villaops/internal/metrics"
	"villaops/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var knownTasks = map[string]bool{
	models.NotifyRiskEscalation:   true,
	models.NotifySchedulingFailed: true,
	models.NotifyStaffAssigned:    true,
}

// NotifyWorker delivers queued notifications. Tasks are persisted in the
// notify_queue table first; Redis or the in-memory channel only shortens
// the path to the worker.
type NotifyWorker struct {
	db            *database.DB
	notifier      domain.Notifier
	redis         *redis.Client
	retryPolicy   RetryPolicy
	queue         chan models.NotifyTask
	redisQueueKey string
	deadLetterKey string
	pollInterval  time.Duration
	batchSize     int
	logger        *zerolog.Logger
}

func NewNotifyWorker(db *database.DB, notifier domain.Notifier, redisClient *redis.Client, cfg config.WorkerConfig, logger *zerolog.Logger) *NotifyWorker {
	retry := RetryPolicyFromConfig(cfg)
	if retry.MaxRetries == 0 {
		retry.MaxRetries = 5
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 2 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = time.Minute
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &NotifyWorker{
		db:            db,
		notifier:      notifier,
		redis:         redisClient,
		retryPolicy:   retry,
		queue:         make(chan models.NotifyTask, models.WorkerQueueSize),
		redisQueueKey: "notify:queue",
		deadLetterKey: "notify:deadletter",
		pollInterval:  pollInterval,
		batchSize:     20,
		logger:        logger,
	}
}

// EnqueueTask persists a notification and schedules it via Redis or the
// in-memory queue.
func (w *NotifyWorker) EnqueueTask(ctx context.Context, taskType, entityID string, payload interface{}) error {
	if !knownTasks[taskType] {
		return fmt.Errorf("unknown notification type %q", taskType)
	}
	if entityID == "" {
		return errors.New("entity id is required")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	task := models.NotifyTask{
		TaskType: taskType,
		EntityID: entityID,
		Payload:  string(data),
		Status:   database.TaskStatusPending,
	}
	if err := w.db.CreateNotifyTask(ctx, &task); err != nil {
		return fmt.Errorf("persist notify task: %w", err)
	}

	if w.redis != nil {
		if err := w.pushRedis(ctx, task); err != nil {
			w.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("Redis push failed, using memory queue")
		} else {
			return nil
		}
	}

	select {
	case w.queue <- task:
	default:
		w.logger.Warn().Int64("task_id", task.ID).Msg("Notify queue full, task left to polling")
	}
	return nil
}

// Start runs the delivery loop until ctx is done.
func (w *NotifyWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("Notify worker started")
	defer w.logger.Info().Msg("Notify worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		if t, ok := w.tryLocalQueue(); ok {
			w.processTask(ctx, &t)
			continue
		}

		if t, ok := w.tryRedis(ctx); ok {
			w.processTask(ctx, &t)
			continue
		}

		tasks, err := w.db.GetPendingNotifyTasks(ctx, w.batchSize)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error().Err(err).Msg("Failed to fetch pending notify tasks")
			}
			w.wait(ctx)
			continue
		}
		if len(tasks) == 0 {
			w.wait(ctx)
			continue
		}

		for i := range tasks {
			w.processTask(ctx, &tasks[i])
		}
	}
}

func (w *NotifyWorker) wait(ctx context.Context) {
	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case t := <-w.queue:
		w.processTask(ctx, &t)
	case <-timer.C:
	}
}

func (w *NotifyWorker) tryLocalQueue() (models.NotifyTask, bool) {
	select {
	case t := <-w.queue:
		return t, true
	default:
		return models.NotifyTask{}, false
	}
}

func (w *NotifyWorker) tryRedis(ctx context.Context) (models.NotifyTask, bool) {
	if w.redis == nil {
		return models.NotifyTask{}, false
	}
	res, err := w.redis.BRPop(ctx, time.Second, w.redisQueueKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("Redis BRPOP failed")
		}
		return models.NotifyTask{}, false
	}
	if len(res) != 2 {
		return models.NotifyTask{}, false
	}
	var task models.NotifyTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		w.logger.Error().Err(err).Msg("Failed to decode redis notify task")
		return models.NotifyTask{}, false
	}
	return task, true
}

func (w *NotifyWorker) processTask(ctx context.Context, task *models.NotifyTask) {
	claimed, err := w.db.ClaimNotifyTask(ctx, task.ID)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to claim notify task")
		return
	}
	if !claimed {
		return
	}

	subject, text, err := render(task)
	if err != nil {
		w.failTask(ctx, task, err)
		return
	}

	if err := w.notifier.Notify(ctx, subject, text); err != nil {
		w.retryOrFail(ctx, task, err)
		return
	}

	if err := w.db.UpdateNotifyTaskStatus(ctx, task.ID, database.TaskStatusCompleted, "", nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to mark notify task completed")
	}
	metrics.IncWorkerTask(task.TaskType, database.TaskStatusCompleted)
}

func (w *NotifyWorker) retryOrFail(ctx context.Context, task *models.NotifyTask, cause error) {
	attempt := task.RetryCount + 1
	if w.retryPolicy.Exhausted(attempt) {
		w.failTask(ctx, task, cause)
		return
	}

	next := time.Now().Add(w.retryPolicy.NextDelay(attempt))
	if err := w.db.UpdateNotifyTaskStatus(ctx, task.ID, database.TaskStatusRetry, cause.Error(), &next); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to schedule notify retry")
	}
	w.logger.Warn().Err(cause).Int64("task_id", task.ID).Int("attempt", attempt).Time("next_retry_at", next).Msg("Notification delivery failed")
	metrics.IncWorkerTask(task.TaskType, database.TaskStatusRetry)
}

func (w *NotifyWorker) failTask(ctx context.Context, task *models.NotifyTask, cause error) {
	if err := w.db.UpdateNotifyTaskStatus(ctx, task.ID, database.TaskStatusFailed, cause.Error(), nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to mark notify task failed")
	}
	w.logger.Error().Err(cause).Int64("task_id", task.ID).Str("task_type", task.TaskType).Msg("Notification dropped")
	metrics.IncWorkerTask(task.TaskType, database.TaskStatusFailed)
	w.pushDeadLetter(ctx, task)
}

func (w *NotifyWorker) pushRedis(ctx context.Context, task models.NotifyTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, w.redisQueueKey, data).Err()
}

func (w *NotifyWorker) pushDeadLetter(ctx context.Context, task *models.NotifyTask) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(task)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to encode dead letter")
		return
	}
	if err := w.redis.LPush(ctx, w.deadLetterKey, data).Err(); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Dead letter push failed")
	}
}

// render turns a task into the subject and text sent to managers.
func render(task *models.NotifyTask) (string, string, error) {
	var p map[string]string
	if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
		return "", "", fmt.Errorf("decode payload: %w", err)
	}

	switch task.TaskType {
	case models.NotifyRiskEscalation:
		return "Delay risk: " + p["title"],
			fmt.Sprintf("Job %s at %s is at %s%% delay risk. Staff: %s. Deadline: %s.",
				p["job_id"], p["property_id"], p["risk"], orDash(p["staff_id"]), p["deadline"]), nil
	case models.NotifySchedulingFailed:
		return "Scheduling failed",
			fmt.Sprintf("Booking %s of %s at %s was approved but its jobs were not created: %s",
				p["booking_id"], p["guest_name"], p["property_id"], p["error"]), nil
	case models.NotifyStaffAssigned:
		return "Job assigned",
			fmt.Sprintf("%s assigned to %s, starts %s.", p["title"], p["staff_id"], p["start"]), nil
	default:
		return "", "", fmt.Errorf("unknown task type: %s", task.TaskType)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
