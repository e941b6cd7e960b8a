package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/agentrun/internal/domain"
)

// DefaultRegistry returns a registry holding the builtin tools.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

// RegisterBuiltins adds the builtin tools to r.
func RegisterBuiltins(r *Registry) {
	ledger := &transferLedger{byKey: make(map[string]json.RawMessage)}

	r.MustRegister(NewFunc(Definition{
		Name:        "weather.query",
		Description: "Current weather for a city.",
		Category:    "information",
		RiskTier:    domain.RiskTierLow,
		Timeout:     5 * time.Second,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"city": {"type": "string", "minLength": 1},
				"units": {"type": "string", "enum": ["metric", "imperial"]}
			},
			"required": ["city"]
		}`),
	}, queryWeather))

	r.MustRegister(NewFunc(Definition{
		Name:        "docs.search",
		Description: "Search the knowledge base and attach the hits as an artifact.",
		Category:    "knowledge",
		RiskTier:    domain.RiskTierLow,
		Timeout:     10 * time.Second,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"limit": {"type": "integer", "minimum": 1, "maximum": 20}
			},
			"required": ["query"]
		}`),
	}, searchDocs))

	r.MustRegister(WithSummary(NewFunc(Definition{
		Name:        "report.export",
		Description: "Render rows into a downloadable report.",
		Category:    "reporting",
		RiskTier:    domain.RiskTierMedium,
		Timeout:     15 * time.Second,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"title": {"type": "string", "minLength": 1},
				"format": {"type": "string", "enum": ["csv", "markdown"]},
				"rows": {"type": "array", "items": {"type": "array", "items": {"type": "string"}}}
			},
			"required": ["title"]
		}`),
	}, exportReport), func(args json.RawMessage) string {
		var in exportArgs
		_ = json.Unmarshal(args, &in)
		return fmt.Sprintf("Export report %q with %d rows", in.Title, len(in.Rows))
	}))

	r.MustRegister(WithSummary(NewFunc(Definition{
		Name:        "payments.transfer",
		Description: "Transfer money to another account.",
		Category:    "finance",
		RiskTier:    domain.RiskTierHigh,
		Timeout:     10 * time.Second,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"amount": {"type": "number", "exclusiveMinimum": 0},
				"currency": {"type": "string", "pattern": "^[A-Z]{3}$"},
				"to_account": {"type": "string", "minLength": 1},
				"memo": {"type": "string"}
			},
			"required": ["amount", "currency", "to_account"]
		}`),
	}, ledger.transfer), func(args json.RawMessage) string {
		var in transferArgs
		_ = json.Unmarshal(args, &in)
		return fmt.Sprintf("Transfer %.2f %s to %s", in.Amount, in.Currency, in.ToAccount)
	}))

	r.MustRegister(WithSummary(NewFunc(Definition{
		Name:        "dangerous.command",
		Description: "Run a shell command on the host.",
		Category:    "system",
		RiskTier:    domain.RiskTierCritical,
		Timeout:     5 * time.Second,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {"command": {"type": "string"}},
			"required": ["command"]
		}`),
	}, func(context.Context, Call) (Output, error) {
		return Output{}, fmt.Errorf("tool execution disabled")
	}), func(args json.RawMessage) string {
		var in struct {
			Command string `json:"command"`
		}
		_ = json.Unmarshal(args, &in)
		return fmt.Sprintf("Run shell command %q", in.Command)
	}))

	r.MustRegister(NewFunc(Definition{
		Name:        "clock.sleep",
		Description: "Wait for the given duration. Used to exercise timeouts.",
		Category:    "diagnostics",
		RiskTier:    domain.RiskTierLow,
		Timeout:     5 * time.Second,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"duration_ms": {"type": "integer", "minimum": 0},
				"ignore_cancel": {"type": "boolean"}
			},
			"required": ["duration_ms"]
		}`),
	}, sleep))
}

type weatherArgs struct {
	City  string `json:"city"`
	Units string `json:"units"`
}

var conditions = []string{"Sunny", "Cloudy", "Rain", "Windy", "Snow"}

func queryWeather(_ context.Context, call Call) (Output, error) {
	var in weatherArgs
	if err := json.Unmarshal(call.Args, &in); err != nil {
		return Output{}, err
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(in.City)))
	sum := h.Sum32()

	temp := float64(sum%35) - 5
	unit := "C"
	if in.Units == "imperial" {
		temp = temp*9/5 + 32
		unit = "F"
	}
	result, err := json.Marshal(map[string]any{
		"city":        in.City,
		"weather":     conditions[sum%uint32(len(conditions))],
		"temperature": temp,
		"unit":        unit,
	})
	if err != nil {
		return Output{}, err
	}
	return Output{Result: result}, nil
}

type searchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type searchHit struct {
	ID    string  `json:"id"`
	Title string  `json:"title"`
	Score float64 `json:"score"`
}

func searchDocs(ctx context.Context, call Call) (Output, error) {
	var in searchArgs
	if err := json.Unmarshal(call.Args, &in); err != nil {
		return Output{}, err
	}
	if in.Limit == 0 {
		in.Limit = 3
	}
	hits := make([]searchHit, 0, in.Limit)
	for i := range in.Limit {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		hits = append(hits, searchHit{
			ID:    fmt.Sprintf("doc-%d", i+1),
			Title: fmt.Sprintf("%s (%d)", in.Query, i+1),
			Score: 1 / float64(i+1),
		})
	}
	content, err := json.Marshal(hits)
	if err != nil {
		return Output{}, err
	}
	result, err := json.Marshal(map[string]any{"query": in.Query, "count": len(hits)})
	if err != nil {
		return Output{}, err
	}
	return Output{
		Result: result,
		Artifacts: []domain.ToolArtifact{{
			Name:        "search-results.json",
			ContentType: "application/json",
			Content:     content,
		}},
	}, nil
}

type exportArgs struct {
	Title  string     `json:"title"`
	Format string     `json:"format"`
	Rows   [][]string `json:"rows"`
}

func exportReport(_ context.Context, call Call) (Output, error) {
	var in exportArgs
	if err := json.Unmarshal(call.Args, &in); err != nil {
		return Output{}, err
	}
	var b strings.Builder
	name, contentType := in.Title+".csv", "text/csv"
	if in.Format == "markdown" {
		name, contentType = in.Title+".md", "text/markdown"
		fmt.Fprintf(&b, "# %s\n\n", in.Title)
		for _, row := range in.Rows {
			fmt.Fprintf(&b, "| %s |\n", strings.Join(row, " | "))
		}
	} else {
		for _, row := range in.Rows {
			b.WriteString(strings.Join(row, ","))
			b.WriteByte('\n')
		}
	}
	content, err := json.Marshal(b.String())
	if err != nil {
		return Output{}, err
	}
	result, err := json.Marshal(map[string]any{"name": name, "rows": len(in.Rows)})
	if err != nil {
		return Output{}, err
	}
	return Output{
		Result: result,
		Artifacts: []domain.ToolArtifact{{
			Name:        name,
			ContentType: contentType,
			Content:     content,
		}},
	}, nil
}

type transferArgs struct {
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	ToAccount string  `json:"to_account"`
	Memo      string  `json:"memo"`
}

// transferLedger replays the stored receipt for a repeated idempotency key.
type transferLedger struct {
	mu    sync.Mutex
	byKey map[string]json.RawMessage
}

func (l *transferLedger) transfer(_ context.Context, call Call) (Output, error) {
	var in transferArgs
	if err := json.Unmarshal(call.Args, &in); err != nil {
		return Output{}, err
	}
	key := call.Context.IdempotencyKey

	l.mu.Lock()
	defer l.mu.Unlock()
	if key != "" {
		if receipt, ok := l.byKey[key]; ok {
			return Output{Result: receipt}, nil
		}
	}
	receipt, err := json.Marshal(map[string]any{
		"status":         "completed",
		"transaction_id": "tx_" + uuid.NewString(),
		"amount":         in.Amount,
		"currency":       in.Currency,
		"to_account":     in.ToAccount,
	})
	if err != nil {
		return Output{}, err
	}
	if key != "" {
		l.byKey[key] = receipt
	}
	return Output{Result: receipt}, nil
}

type sleepArgs struct {
	DurationMs   int64 `json:"duration_ms"`
	IgnoreCancel bool  `json:"ignore_cancel"`
}

func sleep(ctx context.Context, call Call) (Output, error) {
	var in sleepArgs
	if err := json.Unmarshal(call.Args, &in); err != nil {
		return Output{}, err
	}
	d := time.Duration(in.DurationMs) * time.Millisecond
	if in.IgnoreCancel {
		time.Sleep(d)
	} else {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Output{}, ctx.Err()
		case <-t.C:
		}
	}
	return Output{Result: json.RawMessage(fmt.Sprintf(`{"slept_ms":%d}`, in.DurationMs))}, nil
}
