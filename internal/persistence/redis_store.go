package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/stepwise/pkg/api"
)

// RedisStore is a Store backed by Redis.
// It uses the following key structure:
//
//	<prefix>seq                  => INCR counter for step Seq
//	<prefix>wf:<id>              => HASH goal, status, context(gob), created_at
//	<prefix>wfs                  => ZSET of workflow IDs scored by creation ms
//	<prefix>wf:<id>:steps        => ZSET of step IDs scored by Seq
//	<prefix>step:<id>            => HASH of step fields (logs/output gob)
//	<prefix>steps                => ZSET of all step IDs scored by Seq
//	<prefix>state:<STATE>        => ZSET of step IDs in STATE scored by Seq
//	<prefix>pending              => ZSET of PENDING steps, score = ScheduledFor
//	                                in ms (rounded up), member = "<seq:%020d>|<id>"
//
// Members of the pending set that share a score sort lexically, which with a
// zero-padded Seq prefix gives (ScheduledFor, Seq) order at millisecond
// resolution. Claiming runs as a single Lua script.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// claimScript pops the head of the pending set if it is due and marks the
// step RUNNING. KEYS[1] is the pending set; ARGV is now (ms), now (ns) and the
// key prefix.
var claimScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then
	return false
end
local member = items[1]
redis.call('ZREM', KEYS[1], member)
local seq = tonumber(string.sub(member, 1, 20))
local id = string.sub(member, 22)
redis.call('HSET', ARGV[3] .. 'step:' .. id, 'state', 'RUNNING', 'updated_at', ARGV[2])
redis.call('ZREM', ARGV[3] .. 'state:PENDING', id)
redis.call('ZADD', ARGV[3] .. 'state:RUNNING', seq, id)
return id
`)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "stepwise:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "stepwise:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) keySeq() string                   { return s.prefix + "seq" }
func (s *RedisStore) keyWorkflow(id string) string     { return s.prefix + "wf:" + id }
func (s *RedisStore) keyWorkflows() string             { return s.prefix + "wfs" }
func (s *RedisStore) keyChain(wfID string) string      { return s.prefix + "wf:" + wfID + ":steps" }
func (s *RedisStore) keyStep(id string) string         { return s.prefix + "step:" + id }
func (s *RedisStore) keySteps() string                 { return s.prefix + "steps" }
func (s *RedisStore) keyState(st api.StepState) string { return s.prefix + "state:" + string(st) }
func (s *RedisStore) keyPending() string               { return s.prefix + "pending" }

func pendingMember(seq int64, id string) string {
	return fmt.Sprintf("%020d|%s", seq, id)
}

// pendingScore rounds up so that a step never becomes claimable early.
func pendingScore(t time.Time) float64 {
	ns := t.UnixNano()
	ms := ns / int64(time.Millisecond)
	if ns%int64(time.Millisecond) > 0 {
		ms++
	}
	return float64(ms)
}

func (s *RedisStore) CreateWorkflow(ctx context.Context, wf *api.Workflow, steps []*api.Step) error {
	ctxBlob, err := EncodeContext(wf.Context)
	if err != nil {
		return err
	}

	last, err := s.client.IncrBy(ctx, s.keySeq(), int64(len(steps))).Result()
	if err != nil {
		return err
	}
	first := last - int64(len(steps)) + 1

	fields := make([]map[string]any, len(steps))
	for i, st := range steps {
		st.Seq = first + int64(i)
		if fields[i], err = stepHash(st); err != nil {
			return err
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.keyWorkflow(wf.ID), map[string]any{
			"id":         wf.ID,
			"goal":       wf.Goal,
			"status":     string(wf.Status),
			"context":    ctxBlob,
			"created_at": unixNanos(wf.CreatedAt),
		})
		pipe.ZAdd(ctx, s.keyWorkflows(), redis.Z{
			Score:  float64(wf.CreatedAt.UnixMilli()),
			Member: wf.ID,
		})
		for i, st := range steps {
			pipe.HSet(ctx, s.keyStep(st.ID), fields[i])
			s.indexStep(ctx, pipe, st)
		}
		return nil
	})
	return err
}

// indexStep adds a step to the chain, global and state sets.
func (s *RedisStore) indexStep(ctx context.Context, pipe redis.Pipeliner, st *api.Step) {
	z := redis.Z{Score: float64(st.Seq), Member: st.ID}
	pipe.ZAdd(ctx, s.keyChain(st.WorkflowID), z)
	pipe.ZAdd(ctx, s.keySteps(), z)
	pipe.ZAdd(ctx, s.keyState(st.State), z)
	if st.State == api.StepPending {
		pipe.ZAdd(ctx, s.keyPending(), redis.Z{
			Score:  pendingScore(st.ScheduledFor),
			Member: pendingMember(st.Seq, st.ID),
		})
	}
}

func (s *RedisStore) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	h, err := s.client.HGetAll(ctx, s.keyWorkflow(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, id)
	}
	return parseWorkflowHash(h)
}

func (s *RedisStore) UpdateWorkflow(ctx context.Context, wf *api.Workflow) error {
	ctxBlob, err := EncodeContext(wf.Context)
	if err != nil {
		return err
	}
	key := s.keyWorkflow(wf.ID)

	// Watch so that the existence check and the write form one transaction.
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, wf.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "status", string(wf.Status), "context", ctxBlob)
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) ListWorkflows(ctx context.Context, f api.WorkflowFilter) ([]*api.Workflow, error) {
	stop := int64(-1)
	if f.Limit > 0 {
		stop = int64(f.Limit) - 1
	}
	ids, err := s.client.ZRange(ctx, s.keyWorkflows(), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	hashes, err := s.loadHashes(ctx, ids, s.keyWorkflow)
	if err != nil {
		return nil, err
	}

	result := make([]*api.Workflow, 0, len(hashes))
	for _, h := range hashes {
		wf, err := parseWorkflowHash(h)
		if err != nil {
			return nil, err
		}
		result = append(result, wf)
	}
	return result, nil
}

func (s *RedisStore) GetStep(ctx context.Context, id string) (*api.Step, error) {
	h, err := s.client.HGetAll(ctx, s.keyStep(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("%w: %s", api.ErrStepNotFound, id)
	}
	return parseStepHash(h)
}

// UpdateStep rewrites the step hash and moves it between state sets. The
// step key is watched so a concurrent claim aborts the transaction instead of
// leaving the indexes inconsistent.
func (s *RedisStore) UpdateStep(ctx context.Context, st *api.Step) error {
	key := s.keyStep(st.ID)

	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.HMGet(ctx, key, "state", "seq").Result()
		if err != nil {
			return err
		}
		oldState, ok := cur[0].(string)
		if !ok {
			return fmt.Errorf("%w: %s", api.ErrStepNotFound, st.ID)
		}
		seq, err := strconv.ParseInt(fmt.Sprint(cur[1]), 10, 64)
		if err != nil {
			return fmt.Errorf("step %s seq: %w", st.ID, err)
		}

		fields, err := stepHash(st)
		if err != nil {
			return err
		}
		// Identity and ordering are fixed at creation.
		delete(fields, "seq")
		delete(fields, "workflow_id")

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			if api.StepState(oldState) != st.State {
				pipe.ZRem(ctx, s.keyState(api.StepState(oldState)), st.ID)
				pipe.ZAdd(ctx, s.keyState(st.State), redis.Z{Score: float64(seq), Member: st.ID})
			}
			member := pendingMember(seq, st.ID)
			pipe.ZRem(ctx, s.keyPending(), member)
			if st.State == api.StepPending {
				pipe.ZAdd(ctx, s.keyPending(), redis.Z{Score: pendingScore(st.ScheduledFor), Member: member})
			}
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) ListSteps(ctx context.Context, f api.StepFilter) ([]*api.Step, error) {
	source := s.keySteps()
	switch {
	case f.WorkflowID != "":
		source = s.keyChain(f.WorkflowID)
	case f.State != "":
		source = s.keyState(f.State)
	}

	ids, err := s.client.ZRange(ctx, source, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	hashes, err := s.loadHashes(ctx, ids, s.keyStep)
	if err != nil {
		return nil, err
	}

	var result []*api.Step
	for _, h := range hashes {
		st, err := parseStepHash(h)
		if err != nil {
			return nil, err
		}
		if f.State != "" && st.State != f.State {
			continue
		}
		result = append(result, st)
	}
	return applyLimit(result, f.Limit), nil
}

func (s *RedisStore) ClaimNextEligible(ctx context.Context, now time.Time) (*api.Step, error) {
	nowMs := now.UnixNano() / int64(time.Millisecond)

	id, err := claimScript.Run(ctx, s.client,
		[]string{s.keyPending()},
		nowMs, now.UnixNano(), s.prefix,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.GetStep(ctx, id)
}

func (s *RedisStore) FindNextBlocked(ctx context.Context, workflowID string, afterSeq int64) (*api.Step, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.keyChain(workflowID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(afterSeq, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	hashes, err := s.loadHashes(ctx, ids, s.keyStep)
	if err != nil {
		return nil, err
	}
	for _, h := range hashes {
		if h["state"] != string(api.StepBlocked) {
			continue
		}
		return parseStepHash(h)
	}
	return nil, nil
}

// loadHashes fetches the hashes for ids in one round trip, preserving order
// and skipping keys that disappeared.
func (s *RedisStore) loadHashes(ctx context.Context, ids []string, key func(string) string) ([]map[string]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make([]map[string]string, 0, len(ids))
	for _, cmd := range cmds {
		h, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		if len(h) > 0 {
			out = append(out, h)
		}
	}
	return out, nil
}

func stepHash(st *api.Step) (map[string]any, error) {
	blobs, err := encodeStepBlobs(st)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":            st.ID,
		"seq":           st.Seq,
		"workflow_id":   st.WorkflowID,
		"name":          st.Name,
		"kind":          string(st.Kind),
		"wait_ns":       int64(st.Wait),
		"agent":         st.Agent,
		"state":         string(st.State),
		"scheduled_for": unixNanos(st.ScheduledFor),
		"logs":          blobs.logs,
		"output":        blobs.output,
		"retry_count":   st.RetryCount,
		"created_at":    unixNanos(st.CreatedAt),
		"updated_at":    unixNanos(st.UpdatedAt),
		"completed_at":  unixNanos(st.CompletedAt),
	}, nil
}

// hashInts parses integer hash fields, treating missing ones as zero.
func hashInts(h map[string]string, keys ...string) ([]int64, error) {
	out := make([]int64, len(keys))
	for i, k := range keys {
		v, ok := h[k]
		if !ok || v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[i] = n
	}
	return out, nil
}

func parseStepHash(h map[string]string) (*api.Step, error) {
	n, err := hashInts(h, "seq", "wait_ns", "scheduled_for", "retry_count", "created_at", "updated_at", "completed_at")
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", h["id"], err)
	}
	logs, err := DecodeLogs([]byte(h["logs"]))
	if err != nil {
		return nil, fmt.Errorf("step %s logs: %w", h["id"], err)
	}
	output, err := DecodePayload([]byte(h["output"]))
	if err != nil {
		return nil, fmt.Errorf("step %s output: %w", h["id"], err)
	}

	return &api.Step{
		ID:           h["id"],
		WorkflowID:   h["workflow_id"],
		Seq:          n[0],
		Name:         h["name"],
		Kind:         api.StepKind(h["kind"]),
		Wait:         time.Duration(n[1]),
		Agent:        h["agent"],
		State:        api.StepState(h["state"]),
		ScheduledFor: fromUnixNanos(n[2]),
		Logs:         logs,
		Output:       output,
		RetryCount:   int(n[3]),
		CreatedAt:    fromUnixNanos(n[4]),
		UpdatedAt:    fromUnixNanos(n[5]),
		CompletedAt:  fromUnixNanos(n[6]),
	}, nil
}

func parseWorkflowHash(h map[string]string) (*api.Workflow, error) {
	n, err := hashInts(h, "created_at")
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", h["id"], err)
	}
	c, err := DecodeContext([]byte(h["context"]))
	if err != nil {
		return nil, fmt.Errorf("workflow %s context: %w", h["id"], err)
	}
	return &api.Workflow{
		ID:        h["id"],
		Goal:      h["goal"],
		Status:    api.WorkflowStatus(h["status"]),
		Context:   c,
		CreatedAt: fromUnixNanos(n[0]),
	}, nil
}
