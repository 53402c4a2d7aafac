package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"contractlens/internal/fault"
	"contractlens/internal/models"
)

const (
	keyPrefixDaily = "cost:daily:"
	keyPrefixCall  = "cost:call:"

	// Raw call records keep a week; daily aggregates a month.
	rawRetention       = 7 * 24 * time.Hour
	aggregateRetention = 30 * 24 * time.Hour

	dayFormat = "2006-01-02"
)

// Ledger records per-call model costs in Redis and serves daily
// aggregates. All counter updates go through HINCRBY/HINCRBYFLOAT so
// concurrent writers on the same day key never lose updates.
type Ledger struct {
	rdb     redis.UniversalClient
	log     *zap.Logger
	dropped atomic.Int64
}

func New(rdb redis.UniversalClient, log *zap.Logger) *Ledger {
	return &Ledger{rdb: rdb, log: log}
}

// Record appends a raw entry and bumps the aggregate counters for the
// entry's UTC day. Write failures are returned to the caller but also
// counted; callers on the hot path log and continue.
func (l *Ledger) Record(ctx context.Context, e models.CostEntry) error {
	occurred := e.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	day := occurred.UTC().Format(dayFormat)

	callKey := fmt.Sprintf("%s%s:%s", keyPrefixCall, day, uuid.NewString())
	dailyKey := keyPrefixDaily + day
	totalTokens := e.InputTokens + e.OutputTokens + e.ThinkingTokens

	pipe := l.rdb.Pipeline()

	pipe.HSet(ctx, callKey, map[string]any{
		"model":           e.Model,
		"operation":       e.Operation,
		"contract_id":     e.ContractID,
		"input_tokens":    e.InputTokens,
		"output_tokens":   e.OutputTokens,
		"thinking_tokens": e.ThinkingTokens,
		"cost":            e.Cost,
		"timestamp":       occurred.UTC().Format(time.RFC3339),
	})
	pipe.Expire(ctx, callKey, rawRetention)

	pipe.HIncrBy(ctx, dailyKey, "total_calls", 1)
	pipe.HIncrByFloat(ctx, dailyKey, "total_cost", e.Cost)
	pipe.HIncrBy(ctx, dailyKey, "total_tokens", totalTokens)
	pipe.HIncrBy(ctx, dailyKey, "input_tokens", e.InputTokens)
	pipe.HIncrBy(ctx, dailyKey, "output_tokens", e.OutputTokens)
	pipe.HIncrBy(ctx, dailyKey, "thinking_tokens", e.ThinkingTokens)

	pipe.HIncrBy(ctx, dailyKey, "model:"+e.Model+":calls", 1)
	pipe.HIncrByFloat(ctx, dailyKey, "model:"+e.Model+":cost", e.Cost)
	pipe.HIncrBy(ctx, dailyKey, "model:"+e.Model+":tokens", totalTokens)
	pipe.HIncrBy(ctx, dailyKey, "model:"+e.Model+":input_tokens", e.InputTokens)
	pipe.HIncrBy(ctx, dailyKey, "model:"+e.Model+":output_tokens", e.OutputTokens)
	pipe.HIncrBy(ctx, dailyKey, "model:"+e.Model+":thinking_tokens", e.ThinkingTokens)

	pipe.HIncrBy(ctx, dailyKey, "operation:"+e.Operation+":calls", 1)
	pipe.HIncrByFloat(ctx, dailyKey, "operation:"+e.Operation+":cost", e.Cost)

	pipe.Expire(ctx, dailyKey, aggregateRetention)

	if _, err := pipe.Exec(ctx); err != nil {
		l.dropped.Add(1)
		l.log.Error("cost record failed",
			zap.String("model", e.Model),
			zap.String("operation", e.Operation),
			zap.Error(err))
		return fault.Wrap(fault.KindTransient, err)
	}
	return nil
}

// Dropped returns how many Record calls failed since start.
func (l *Ledger) Dropped() int64 { return l.dropped.Load() }

// Daily returns the aggregate for the given UTC day. A day with no
// entries returns a zeroed record.
func (l *Ledger) Daily(ctx context.Context, day time.Time) (*models.DailyCost, error) {
	date := day.UTC().Format(dayFormat)
	data, err := l.rdb.HGetAll(ctx, keyPrefixDaily+date).Result()
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, fmt.Errorf("read daily costs for %s: %w", date, err))
	}
	return parseDaily(date, data), nil
}

// Range sums per-day aggregates over [from, to] inclusive.
func (l *Ledger) Range(ctx context.Context, from, to time.Time) (*models.DailyCost, error) {
	from = from.UTC().Truncate(24 * time.Hour)
	to = to.UTC().Truncate(24 * time.Hour)
	if to.Before(from) {
		return nil, fault.New(fault.KindInvalidInput, "range end %s before start %s",
			to.Format(dayFormat), from.Format(dayFormat))
	}

	sum := newDaily(fmt.Sprintf("%s..%s", from.Format(dayFormat), to.Format(dayFormat)))
	for day := from; !day.After(to); day = day.Add(24 * time.Hour) {
		dc, err := l.Daily(ctx, day)
		if err != nil {
			return nil, err
		}
		addDaily(sum, dc)
	}
	return sum, nil
}

// Ping checks the backing store.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

func newDaily(date string) *models.DailyCost {
	return &models.DailyCost{
		Date:        date,
		ByModel:     make(map[string]*models.ModelCost),
		ByOperation: make(map[string]*models.OperationCost),
	}
}

func parseDaily(date string, data map[string]string) *models.DailyCost {
	dc := newDaily(date)
	if len(data) == 0 {
		return dc
	}

	dc.TotalCalls = parseInt(data["total_calls"])
	dc.TotalCost = parseFloat(data["total_cost"])
	dc.TotalTokens = parseInt(data["total_tokens"])
	dc.InputTokens = parseInt(data["input_tokens"])
	dc.OutputTokens = parseInt(data["output_tokens"])
	dc.ThinkingTokens = parseInt(data["thinking_tokens"])

	for key, value := range data {
		if rest, ok := strings.CutPrefix(key, "model:"); ok {
			name, field, ok := cutLast(rest)
			if !ok {
				continue
			}
			mc := dc.ByModel[name]
			if mc == nil {
				mc = &models.ModelCost{Model: name}
				dc.ByModel[name] = mc
			}
			switch field {
			case "calls":
				mc.Calls = parseInt(value)
			case "cost":
				mc.Cost = parseFloat(value)
			case "tokens":
				mc.Tokens = parseInt(value)
			case "input_tokens":
				mc.InputTokens = parseInt(value)
			case "output_tokens":
				mc.OutputTokens = parseInt(value)
			case "thinking_tokens":
				mc.ThinkingTokens = parseInt(value)
			}
			continue
		}
		if rest, ok := strings.CutPrefix(key, "operation:"); ok {
			name, field, ok := cutLast(rest)
			if !ok {
				continue
			}
			oc := dc.ByOperation[name]
			if oc == nil {
				oc = &models.OperationCost{}
				dc.ByOperation[name] = oc
			}
			switch field {
			case "calls":
				oc.Calls = parseInt(value)
			case "cost":
				oc.Cost = parseFloat(value)
			}
		}
	}
	return dc
}

// cutLast splits on the last colon so model and operation names may
// themselves contain colons.
func cutLast(s string) (name, field string, ok bool) {
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

func addDaily(dst, src *models.DailyCost) {
	dst.TotalCalls += src.TotalCalls
	dst.TotalCost += src.TotalCost
	dst.TotalTokens += src.TotalTokens
	dst.InputTokens += src.InputTokens
	dst.OutputTokens += src.OutputTokens
	dst.ThinkingTokens += src.ThinkingTokens
	for name, mc := range src.ByModel {
		acc := dst.ByModel[name]
		if acc == nil {
			acc = &models.ModelCost{Model: name}
			dst.ByModel[name] = acc
		}
		acc.Calls += mc.Calls
		acc.Cost += mc.Cost
		acc.Tokens += mc.Tokens
		acc.InputTokens += mc.InputTokens
		acc.OutputTokens += mc.OutputTokens
		acc.ThinkingTokens += mc.ThinkingTokens
	}
	for name, oc := range src.ByOperation {
		acc := dst.ByOperation[name]
		if acc == nil {
			acc = &models.OperationCost{}
			dst.ByOperation[name] = acc
		}
		acc.Calls += oc.Calls
		acc.Cost += oc.Cost
	}
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
