package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"fintrack/internal/core"
	applog "fintrack/internal/log"
	"fintrack/internal/remote"
)

// DefaultPrefix namespaces every key written by Store.
const DefaultPrefix = "fintrack"

// Store keeps one budget string and one expenses hash per user:
//
//	<prefix>:budget:<userID>   -> "123.45"
//	<prefix>:expenses:<userID> -> { <expenseID>: <ExpenseRecord JSON> }
type Store struct {
	client goredis.UniversalClient
	prefix string
	logger *applog.Logger
}

var _ remote.Store = (*Store)(nil)

// Open parses redisURL, connects and pings.
func Open(ctx context.Context, redisURL, prefix string, logger *applog.Logger) (*Store, error) {
	opt, err := ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := goredis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return New(client, prefix, logger), nil
}

// ParseURL accepts redis:// and rediss:// URLs as well as a bare host:port.
func ParseURL(redisURL string) (*goredis.Options, error) {
	redisURL = strings.TrimSpace(redisURL)
	if redisURL == "" {
		return nil, errors.New("empty redis URL")
	}
	if !strings.Contains(redisURL, "://") {
		return &goredis.Options{Addr: redisURL}, nil
	}
	opt, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return opt, nil
}

func New(client goredis.UniversalClient, prefix string, logger *applog.Logger) *Store {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		client: client,
		prefix: prefix,
		logger: applog.OrDefault(logger, applog.ComponentRemote).With(applog.FieldBackend, "redis"),
	}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) budgetKey(userID string) string {
	return s.prefix + ":budget:" + userID
}

func (s *Store) expensesKey(userID string) string {
	return s.prefix + ":expenses:" + userID
}

func (s *Store) Load(ctx context.Context, userID string) (core.AppState, error) {
	if userID == "" {
		return core.AppState{}, remote.ErrEmptyUserID
	}

	var budgetCmd *goredis.StringCmd
	var expensesCmd *goredis.MapStringStringCmd
	_, err := s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		budgetCmd = p.Get(ctx, s.budgetKey(userID))
		expensesCmd = p.HGetAll(ctx, s.expensesKey(userID))
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return core.AppState{}, fmt.Errorf("load: %w", err)
	}

	var budget *remote.BudgetRecord
	raw, err := budgetCmd.Result()
	switch {
	case errors.Is(err, goredis.Nil):
	case err != nil:
		return core.AppState{}, fmt.Errorf("load budget: %w", err)
	default:
		amount, err := decodeBudget(raw)
		if err != nil {
			return core.AppState{}, fmt.Errorf("load budget: %w", err)
		}
		budget = &remote.BudgetRecord{UserID: userID, Amount: amount}
	}

	fields, err := expensesCmd.Result()
	if err != nil {
		return core.AppState{}, fmt.Errorf("load expenses: %w", err)
	}
	records, bad := decodeExpenses(fields)
	state, skipped := remote.FromRecords(budget, records)
	if bad > 0 || skipped != nil {
		s.logger.WarnContext(ctx, "Skipped invalid remote entries",
			applog.FieldUserID, userID,
			"undecodable", bad,
			applog.FieldError, fmt.Sprint(skipped))
	}
	return state, nil
}

// Save pipelines the budget write and one HSET per expense, then inspects
// each command so a failed field does not hide the ones that were written.
func (s *Store) Save(ctx context.Context, userID string, state core.AppState) error {
	if strings.TrimSpace(userID) == "" {
		return remote.ErrEmptyUserID
	}
	budget, records := remote.ToRecords(userID, state)

	saveErr := remote.NewSaveError()
	payloads := make([][]byte, len(records))
	for i, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			saveErr.AddExpenseFailure(rec.ID, err)
			continue
		}
		payloads[i] = data
	}

	var budgetCmd *goredis.StatusCmd
	expenseCmds := make(map[string]*goredis.IntCmd, len(records))
	// The combined error repeats the first failed command; each command is
	// inspected below instead.
	_, _ = s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		budgetCmd = p.Set(ctx, s.budgetKey(userID), budget.Amount.String(), 0)
		for i, rec := range records {
			if payloads[i] == nil {
				continue
			}
			expenseCmds[rec.ID] = p.HSet(ctx, s.expensesKey(userID), rec.ID, payloads[i])
		}
		return nil
	})
	if err := budgetCmd.Err(); err != nil {
		saveErr.AddBudgetFailure(err)
	}
	for _, rec := range records {
		cmd, ok := expenseCmds[rec.ID]
		if !ok {
			continue
		}
		if err := cmd.Err(); err != nil {
			saveErr.AddExpenseFailure(rec.ID, err)
		}
	}
	return saveErr.ErrorOrNil()
}

func (s *Store) DeleteExpense(ctx context.Context, userID, expenseID string) error {
	if userID == "" {
		return remote.ErrEmptyUserID
	}
	if err := s.client.HDel(ctx, s.expensesKey(userID), expenseID).Err(); err != nil {
		return fmt.Errorf("delete expense %s: %w", expenseID, err)
	}
	return nil
}

func decodeBudget(raw string) (core.Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return core.Money{}, fmt.Errorf("%w: %q", core.ErrInvalidAmount, raw)
	}
	return core.FromDecimal(d)
}

// decodeExpenses parses hash values, counting the ones that are not valid
// records JSON.
func decodeExpenses(fields map[string]string) ([]remote.ExpenseRecord, int) {
	records := make([]remote.ExpenseRecord, 0, len(fields))
	bad := 0
	for id, raw := range fields {
		var rec remote.ExpenseRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			bad++
			continue
		}
		// The hash field is authoritative for the id.
		rec.ID = id
		records = append(records, rec)
	}
	return records, bad
}
