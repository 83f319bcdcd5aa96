package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"repochat/internal/util"
	"repochat/pkg/domain"
)

// Outcome is what a successful handler reports back onto the job.
type Outcome struct {
	RepositoryID string
	Conflict     bool
}

// Handler processes one ingestion job.
type Handler func(context.Context, domain.IngestJob) (Outcome, error)

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the job fails immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type RedisJobQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
}

type RedisQueueConfig struct {
	// Client is used when set; otherwise a client is dialed from Addr.
	Client     *redis.Client
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	client := cfg.Client
	if client == nil {
		addr := strings.TrimSpace(cfg.Addr)
		if addr == "" {
			return nil, errors.New("redis addr required")
		}
		client = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password})
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "ingest"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		// Must exceed the ingest lock lease or a live job gets a second consumer.
		claimIdle = 35 * time.Minute
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 1
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 1
	}

	return &RedisJobQueue{
		client:       client,
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       jobTTL,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
	}, nil
}

// Enqueue records a queued job for userID and adds it to the stream.
func (q *RedisJobQueue) Enqueue(ctx context.Context, userID, owner, repo string) (domain.IngestJob, error) {
	userID, owner, repo = strings.TrimSpace(userID), strings.TrimSpace(owner), strings.TrimSpace(repo)
	if userID == "" || owner == "" || repo == "" {
		return domain.IngestJob{}, errors.New("user, owner and repo required")
	}
	now := time.Now().UTC()
	job := domain.IngestJob{
		ID:        uuid.NewString(),
		UserID:    userID,
		Owner:     owner,
		Repo:      repo,
		State:     domain.JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return domain.IngestJob{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: streamValues(job),
	}).Err(); err != nil {
		return domain.IngestJob{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (domain.IngestJob, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return domain.IngestJob{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return domain.IngestJob{}, false, err
	}
	if len(data) == 0 {
		return domain.IngestJob{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Start runs concurrency consumers until ctx is done.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

// Ping checks the Redis connection.
func (q *RedisJobQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("queue: create consumer group failed", "stream", q.stream, "group", q.group, "err", err)
		}
	})
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				slog.Warn("queue: read failed", "consumer", consumer, "err", err)
				sleepCtx(ctx, time.Second)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	ref, ok := jobFromValues(msg.Values)
	if !ok {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, ref)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	logger := slog.With("job_id", job.ID, "owner", job.Owner, "repo", job.Repo, "attempt", job.Attempts)
	outcome, err := handler(ctx, job)
	if err == nil {
		_ = q.markDone(ctx, job.ID, outcome)
		q.ackAndDel(ctx, msg.ID)
		logger.Info("queue: job done", "repo_id", outcome.RepositoryID, "conflict", outcome.Conflict)
		return
	}
	if IsPermanent(err) || job.Attempts >= q.maxRetries {
		_ = q.markFailed(ctx, job.ID, err.Error())
		q.ackAndDel(ctx, msg.ID)
		logger.Warn("queue: job failed", "err", err)
		return
	}
	_ = q.markQueued(ctx, job.ID, err.Error())
	logger.Info("queue: job will retry", "err", err)
	if !sleepCtx(ctx, q.retryDelay) {
		return
	}
	_ = q.requeueAndAck(ctx, msg.ID, job)
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID string, job domain.IngestJob) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: streamValues(job),
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) markProcessing(ctx context.Context, ref domain.IngestJob) (domain.IngestJob, error) {
	job, ok, err := q.GetJob(ctx, ref.ID)
	if err != nil {
		return domain.IngestJob{}, err
	}
	if !ok {
		job = ref
	}
	job.Attempts++
	job.State = domain.JobProcessing
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return domain.IngestJob{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) markQueued(ctx context.Context, jobID, errMsg string) error {
	return q.update(ctx, jobID, func(job *domain.IngestJob) {
		job.State = domain.JobQueued
		job.Error = errMsg
	})
}

func (q *RedisJobQueue) markDone(ctx context.Context, jobID string, outcome Outcome) error {
	return q.update(ctx, jobID, func(job *domain.IngestJob) {
		job.State = domain.JobDone
		job.Error = ""
		job.RepositoryID = outcome.RepositoryID
		job.Conflict = outcome.Conflict
	})
}

func (q *RedisJobQueue) markFailed(ctx context.Context, jobID, errMsg string) error {
	return q.update(ctx, jobID, func(job *domain.IngestJob) {
		job.State = domain.JobFailed
		job.Error = errMsg
	})
}

func (q *RedisJobQueue) update(ctx context.Context, jobID string, apply func(*domain.IngestJob)) error {
	job, ok, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s expired", jobID)
	}
	apply(&job)
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisJobQueue) writeStatus(ctx context.Context, job domain.IngestJob) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"id":        job.ID,
		"userId":    job.UserID,
		"owner":     job.Owner,
		"repo":      job.Repo,
		"state":     string(job.State),
		"error":     job.Error,
		"attempts":  strconv.Itoa(job.Attempts),
		"repoId":    job.RepositoryID,
		"conflict":  strconv.FormatBool(job.Conflict),
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func streamValues(job domain.IngestJob) map[string]any {
	return map[string]any{
		"job_id":  job.ID,
		"user_id": job.UserID,
		"owner":   job.Owner,
		"repo":    job.Repo,
	}
}

func jobFromValues(values map[string]any) (domain.IngestJob, bool) {
	job := domain.IngestJob{}
	job.ID, _ = values["job_id"].(string)
	job.UserID, _ = values["user_id"].(string)
	job.Owner, _ = values["owner"].(string)
	job.Repo, _ = values["repo"].(string)
	if job.ID == "" || job.UserID == "" || job.Owner == "" || job.Repo == "" {
		return domain.IngestJob{}, false
	}
	return job, true
}

func decodeJob(jobID string, data map[string]string) domain.IngestJob {
	job := domain.IngestJob{
		ID:           jobID,
		UserID:       data["userId"],
		Owner:        data["owner"],
		Repo:         data["repo"],
		State:        domain.JobState(data["state"]),
		Error:        data["error"],
		RepositoryID: data["repoId"],
	}
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Attempts = n
		}
	}
	if v := data["conflict"]; v != "" {
		job.Conflict, _ = strconv.ParseBool(v)
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.UpdatedAt = t
		}
	}
	return job
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
