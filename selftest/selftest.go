// Package selftest runs a fixed offline corpus through the full pipeline,
// extraction, rules, the mock provider, fusion and a throwaway in-memory
// store, then round-trips the result through both exporters. It needs no
// network, so it can verify an installation before any real data is
// imported.
package selftest

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/smsto/smsto/exporter"
	"github.com/smsto/smsto/extract"
	"github.com/smsto/smsto/fusion"
	"github.com/smsto/smsto/provider"
	"github.com/smsto/smsto/rules"
	"github.com/smsto/smsto/schema"
	"github.com/smsto/smsto/store"
)

// ErrRunning rejects a Start while a run is in flight.
var ErrRunning = errors.New("selftest: already running")

type fixture struct {
	name        string
	content     string
	sender      string
	industry    string
	smsType     string
	needsReview bool
	strongHit   bool
}

var fixtures = []fixture{
	{
		name:      "verification_code",
		content:   "【工商银行】您的验证码是482913，5分钟内有效，请勿泄露。",
		sender:    "95588",
		industry:  "通用",
		smsType:   "验证码",
		strongHit: true,
	},
	{
		name:      "logistics_pickup",
		content:   "您的快递已到菜鸟驿站，凭取件码3-2-1045领取。",
		sender:    "中通快递",
		industry:  "通用",
		smsType:   "物流取件",
		strongHit: true,
	},
	{
		name:      "gov_notice",
		content:   "【税务局】您的2024年度个税汇算清缴已开始，请及时办理。",
		sender:    "12366",
		industry:  "政务",
		smsType:   "政务通知",
		strongHit: true,
	},
	{
		name:      "financial_transaction",
		content:   "您尾号8888的储蓄卡消费128.50元，可用余额1,024.75元。",
		sender:    "95588",
		industry:  "金融",
		smsType:   "交易提醒",
		strongHit: true,
	},
	{
		name:        "marketing_gray_zone",
		content:     "开学季特价抢购，全场五折优惠，回复TD退订。",
		sender:      "10690001",
		industry:    "渠道",
		smsType:     "营销推广",
		needsReview: true,
	},
	{
		name:        "unrecognized_fallback",
		content:     "明天中午老地方见。",
		sender:      "",
		industry:    "其他",
		smsType:     "其他",
		needsReview: true,
	},
}

// CaseResult is the outcome of one fixture.
type CaseResult struct {
	Name        string  `json:"name"`
	Content     string  `json:"content"`
	Industry    string  `json:"industry"`
	Type        string  `json:"type"`
	Confidence  float64 `json:"confidence"`
	NeedsReview bool    `json:"needs_review"`
	StrongHit   bool    `json:"strong_hit"`
	Pass        bool    `json:"pass"`
	Note        string  `json:"note,omitempty"`
}

// Report is the overall selftest state. StoreOK and ExportOK cover the
// persistence leg: every fixture written through the store and read back
// out via the CSV and JSONL exporters.
type Report struct {
	Running    bool         `json:"running"`
	Passed     int          `json:"passed"`
	Failed     int          `json:"failed"`
	StoreOK    bool         `json:"store_ok"`
	ExportOK   bool         `json:"export_ok"`
	Cases      []CaseResult `json:"cases"`
	Note       string       `json:"note,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Runner executes the selftest in the background and serves status
// snapshots.
type Runner struct {
	mu     sync.Mutex
	report Report
}

// NewRunner returns an idle runner.
func NewRunner() *Runner { return &Runner{} }

// Start launches a run. The run is short but still asynchronous so the
// status endpoint can show progress.
func (r *Runner) Start() error {
	r.mu.Lock()
	if r.report.Running {
		r.mu.Unlock()
		return ErrRunning
	}
	r.report = Report{Running: true, StartedAt: time.Now().UTC()}
	r.mu.Unlock()

	go r.run()
	return nil
}

// Status returns a snapshot of the current or last run.
func (r *Runner) Status() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep := r.report
	rep.Cases = append([]CaseResult(nil), r.report.Cases...)
	return rep
}

func (r *Runner) run() {
	prov := &provider.Mock{}
	ctx := context.Background()

	st, closeStore, storeErr := openScratchStore(ctx)
	if storeErr == nil {
		defer closeStore()
	}

	for _, f := range fixtures {
		res := runCase(ctx, prov, st, f)
		r.mu.Lock()
		r.report.Cases = append(r.report.Cases, res)
		if res.Pass {
			r.report.Passed++
		} else {
			r.report.Failed++
		}
		r.mu.Unlock()
	}

	storeOK := storeErr == nil
	exportOK := false
	var note string
	if storeErr != nil {
		note = "store: " + storeErr.Error()
	} else if err := exportRoundtrip(ctx, st); err != nil {
		note = "export: " + err.Error()
	} else {
		exportOK = true
	}

	r.mu.Lock()
	r.report.Running = false
	r.report.StoreOK = storeOK
	r.report.ExportOK = exportOK
	r.report.Note = note
	r.report.FinishedAt = time.Now().UTC()
	r.mu.Unlock()
}

// openScratchStore opens a throwaway in-memory database. MaxOpenConns is
// pinned to 1 because each new connection to ":memory:" would see a
// separate database.
func openScratchStore(ctx context.Context) (*store.Store, func(), error) {
	db, err := store.Open(":memory:")
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(1)
	st := store.New(db, nil)
	if err := st.Init(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return st, func() { db.Close() }, nil
}

// exportRoundtrip drives every persisted fixture through the CSV and
// JSONL exporters and checks the row counts line up.
func exportRoundtrip(ctx context.Context, st *store.Store) error {
	for _, format := range []string{exporter.FormatCSV, exporter.FormatJSONL} {
		n, err := exporter.Export(ctx, st, io.Discard, exporter.Options{Format: format})
		if err != nil {
			return err
		}
		if n != len(fixtures) {
			return errors.New("selftest: " + format + " export row count mismatch")
		}
	}
	return nil
}

func runCase(ctx context.Context, prov provider.Provider, st *store.Store, f fixture) CaseResult {
	ents := extract.Extract(f.content, f.sender)
	res := rules.Classify(f.content, f.sender, ents)

	in := fusion.Input{Rule: &res.Label, RuleStrongHit: res.StrongHit}
	if !res.StrongHit {
		payload := schema.Payload{
			Content:  f.content,
			Entities: res.Label.Entities,
			Signals:  res.Label.Signals,
		}
		if label, err := prov.Classify(ctx, payload); err == nil {
			in.Model = &label
		}
	}
	label := fusion.Fuse(in)

	out := CaseResult{
		Name:        f.name,
		Content:     f.content,
		Industry:    label.Industry,
		Type:        label.Type,
		Confidence:  label.Confidence,
		NeedsReview: label.NeedsReview,
		StrongHit:   res.StrongHit,
		Pass:        true,
	}
	switch {
	case label.Industry != f.industry || label.Type != f.smsType:
		out.Pass = false
		out.Note = "unexpected label " + label.Industry + "/" + label.Type
	case label.NeedsReview != f.needsReview:
		out.Pass = false
		out.Note = "unexpected review flag"
	case res.StrongHit != f.strongHit:
		out.Pass = false
		out.Note = "unexpected rule strength"
	}
	if out.Pass && st != nil {
		if note, ok := persistCase(ctx, st, f, label); !ok {
			out.Pass = false
			out.Note = note
		}
	}
	return out
}

// persistCase writes the fixture and its label through the real store and
// reads the label back.
func persistCase(ctx context.Context, st *store.Store, f fixture, label schema.Label) (string, bool) {
	msg := schema.Message{Content: f.content}
	if f.sender != "" {
		s := f.sender
		msg.Sender = &s
	}
	id, err := st.InsertMessage(ctx, msg)
	if err != nil {
		return "persist: " + err.Error(), false
	}
	if _, err := st.UpsertLabelAuto(ctx, id, label, false); err != nil {
		return "persist: " + err.Error(), false
	}
	got, err := st.GetLabel(ctx, id)
	if err != nil {
		return "persist: " + err.Error(), false
	}
	if got == nil || got.Industry != label.Industry || got.Type != label.Type {
		return "persist: label did not round-trip", false
	}
	return "", true
}
