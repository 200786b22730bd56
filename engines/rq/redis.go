// Copyright (c) 2024 The Docserve Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package rq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docserve/docserve/config"
	"github.com/docserve/docserve/pipelines"
	"github.com/docserve/docserve/tasks"
)

// a worker whose last heartbeat is older than this is presumed dead
const heartbeatWindow = 90 * time.Second

// This type implements JobQueue against a Redis server. The key layout is
//
//	{prefix}queue               list of queued job ids (LPUSH in, BRPOP out)
//	{prefix}job:{id}            hash holding a job's state and payload
//	{prefix}{id}:metadata       JSON task projection (TTL = results TTL)
//	{prefix}{id}:result_key     pointer from task id to result key
//	{prefix}result:{key}        JSON-encoded result (TTL = results TTL)
//	{prefix}workers             sorted set of worker heartbeat times
type redisQueue struct {
	client *redis.Client
	prefix string
}

// connects to the Redis server named in the service configuration
func NewRedisQueue() (JobQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr: config.RQ.Address,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, &tasks.UpstreamUnavailableError{
			Op:      "connect",
			Message: fmt.Sprintf("redis at %s: %s", config.RQ.Address, err.Error()),
		}
	}
	return &redisQueue{
		client: client,
		prefix: config.RQ.Prefix,
	}, nil
}

func (q *redisQueue) queueKey() string          { return q.prefix + "queue" }
func (q *redisQueue) jobKey(id string) string   { return q.prefix + "job:" + id }
func (q *redisQueue) metadataKey(id string) string {
	return q.prefix + id + ":metadata"
}
func (q *redisQueue) resultKeyKey(id string) string {
	return q.prefix + id + ":result_key"
}
func (q *redisQueue) resultKey(key string) string { return q.prefix + "result:" + key }
func (q *redisQueue) workersKey() string          { return q.prefix + "workers" }

func (q *redisQueue) EnqueueJob(ctx context.Context, jobId string, payload []byte) error {
	err := q.client.HSet(ctx, q.jobKey(jobId),
		"state", string(JobStateQueued),
		"payload", payload,
		"enqueued_at", time.Now().UTC().Format(time.RFC3339Nano)).Err()
	if err != nil {
		return err
	}
	// the job record outlives the per-job deadline only by the results TTL
	q.client.Expire(ctx, q.jobKey(jobId),
		time.Duration(config.RQ.JobTimeout+config.RQ.ResultsTTL)*time.Second)
	return q.client.LPush(ctx, q.queueKey(), jobId).Err()
}

func (q *redisQueue) JobState(ctx context.Context, jobId string) (JobState, error) {
	state, err := q.client.HGet(ctx, q.jobKey(jobId), "state").Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrJobGone
	}
	if err != nil {
		return "", err
	}
	return JobState(state), nil
}

func (q *redisQueue) JobPosition(ctx context.Context, jobId string) (*int, error) {
	// jobs enter at the head and leave from the tail, so the next job out
	// has the highest index
	index, err := q.client.LPos(ctx, q.queueKey(), jobId, redis.LPosArgs{}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	length, err := q.client.LLen(ctx, q.queueKey()).Result()
	if err != nil {
		return nil, err
	}
	position := int(length - index)
	return &position, nil
}

func (q *redisQueue) FetchJob(ctx context.Context, wait time.Duration) (string, []byte, error) {
	popped, err := q.client.BRPop(ctx, wait, q.queueKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, ErrNotStored
	}
	if err != nil {
		return "", nil, err
	}
	jobId := popped[1]
	payload, err := q.client.HGet(ctx, q.jobKey(jobId), "payload").Result()
	if errors.Is(err, redis.Nil) {
		// the job record expired between push and pop
		return "", nil, ErrJobGone
	}
	if err != nil {
		return "", nil, err
	}
	return jobId, []byte(payload), nil
}

func (q *redisQueue) SetJobState(ctx context.Context, jobId string, state JobState) error {
	err := q.client.HSet(ctx, q.jobKey(jobId), "state", string(state)).Err()
	if err != nil {
		return err
	}
	switch state {
	case JobStateFinished:
		q.client.Expire(ctx, q.jobKey(jobId),
			time.Duration(config.RQ.ResultsTTL)*time.Second)
	case JobStateFailed, JobStateStopped, JobStateCanceled:
		q.client.Expire(ctx, q.jobKey(jobId),
			time.Duration(config.RQ.FailureTTL)*time.Second)
	}
	return nil
}

func (q *redisQueue) DeleteJob(ctx context.Context, jobId string) error {
	q.client.LRem(ctx, q.queueKey(), 0, jobId)
	return q.client.Del(ctx, q.jobKey(jobId)).Err()
}

func (q *redisQueue) StoreResult(ctx context.Context, resultKey string,
	result *pipelines.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshalling result %s: %s", resultKey, err.Error())
	}
	return q.client.Set(ctx, q.resultKey(resultKey), data,
		time.Duration(config.RQ.ResultsTTL)*time.Second).Err()
}

func (q *redisQueue) FetchResult(ctx context.Context, resultKey string) (*pipelines.Result, error) {
	data, err := q.client.Get(ctx, q.resultKey(resultKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotStored
	}
	if err != nil {
		return nil, err
	}
	var result pipelines.Result
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("unmarshalling result %s: %s", resultKey, err.Error())
	}
	return &result, nil
}

func (q *redisQueue) DeleteResult(ctx context.Context, resultKey string) error {
	return q.client.Del(ctx, q.resultKey(resultKey)).Err()
}

func (q *redisQueue) StoreResultKey(ctx context.Context, taskId, resultKey string) error {
	return q.client.Set(ctx, q.resultKeyKey(taskId), resultKey,
		time.Duration(config.RQ.ResultsTTL)*time.Second).Err()
}

func (q *redisQueue) LoadResultKey(ctx context.Context, taskId string) (string, error) {
	key, err := q.client.Get(ctx, q.resultKeyKey(taskId)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotStored
	}
	return key, err
}

func (q *redisQueue) DeleteResultKey(ctx context.Context, taskId string) error {
	return q.client.Del(ctx, q.resultKeyKey(taskId)).Err()
}

func (q *redisQueue) StoreProjection(ctx context.Context, task tasks.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshalling projection for task %s: %s", task.Id, err.Error())
	}
	return q.client.Set(ctx, q.metadataKey(task.Id), data,
		time.Duration(config.RQ.ResultsTTL)*time.Second).Err()
}

func (q *redisQueue) LoadProjection(ctx context.Context, taskId string) (tasks.Task, error) {
	data, err := q.client.Get(ctx, q.metadataKey(taskId)).Result()
	if errors.Is(err, redis.Nil) {
		return tasks.Task{}, ErrNotStored
	}
	if err != nil {
		return tasks.Task{}, err
	}
	var task tasks.Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return tasks.Task{}, fmt.Errorf("unmarshalling projection for task %s: %s",
			taskId, err.Error())
	}
	return task, nil
}

func (q *redisQueue) DeleteProjection(ctx context.Context, taskId string) error {
	return q.client.Del(ctx, q.metadataKey(taskId)).Err()
}

func (q *redisQueue) QueueLength(ctx context.Context) (int, error) {
	length, err := q.client.LLen(ctx, q.queueKey()).Result()
	return int(length), err
}

func (q *redisQueue) WorkerCount(ctx context.Context) (int, error) {
	horizon := time.Now().Add(-heartbeatWindow)
	count, err := q.client.ZCount(ctx, q.workersKey(),
		fmt.Sprintf("%d", horizon.UnixMilli()), "+inf").Result()
	return int(count), err
}

func (q *redisQueue) Heartbeat(ctx context.Context, workerId string) error {
	return q.client.ZAdd(ctx, q.workersKey(), redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: workerId,
	}).Err()
}

func (q *redisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *redisQueue) Close() error {
	return q.client.Close()
}
