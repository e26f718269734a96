package export

import (
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"lazypagespeed/domain"
)

func sampleReport(score float64) domain.Report {
	return domain.Report(`{"lighthouseResult":{"categories":{` +
		`"performance":{"score":` + strconv.FormatFloat(score, 'g', -1, 64) + `},` +
		`"accessibility":{"score":0.8},` +
		`"best-practices":{"score":1},` +
		`"seo":{"score":0.55}}}}`)
}

func TestCategoryScores(t *testing.T) {
	scores := categoryScores(sampleReport(0.91))
	want := map[string]int{"performance": 91, "accessibility": 80, "best-practices": 100, "seo": 55}
	for cat, v := range want {
		if scores[cat] != v {
			t.Fatalf("score[%s] = %d, want %d", cat, scores[cat], v)
		}
	}

	if got := categoryScores(nil); got != nil {
		t.Fatalf("empty report scores = %v", got)
	}
	if got := categoryScores(domain.Report(`{`)); got != nil {
		t.Fatalf("malformed report scores = %v", got)
	}
	// null score is skipped rather than counted as zero
	scores = categoryScores(domain.Report(`{"lighthouseResult":{"categories":{"performance":{"score":null}}}}`))
	if _, found := scores["performance"]; found {
		t.Fatal("null score produced an entry")
	}
}

func TestWriteSummaryXLSX(t *testing.T) {
	now := time.Now()
	pages := []*domain.Page{
		{
			URL:    "https://a.example.com/",
			Status: domain.PageStatusSuccess,
			Reports: domain.Reports{
				Mobile:  sampleReport(0.91),
				Desktop: sampleReport(0.5),
			},
			AddedAt: now,
		},
		{
			URL:     "https://b.example.com/",
			Status:  domain.PageStatusFailed,
			Error:   "Daily API limit reached",
			AddedAt: now,
		},
		{
			URL:     "https://c.example.com/",
			Status:  domain.PageStatusPending,
			AddedAt: now,
		},
	}

	outPath := filepath.Join(t.TempDir(), "out", "summary.xlsx")
	if err := WriteSummaryXLSX(pages, outPath); err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := excelize.OpenFile(outPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("分析結果")
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("row count = %d, want header + 3", len(rows))
	}
	if rows[0][0] != "URL" || rows[0][3] != "行動版 效能" {
		t.Fatalf("header = %v", rows[0])
	}
	if rows[1][0] != "https://a.example.com/" || rows[1][1] != "完成" {
		t.Fatalf("success row = %v", rows[1])
	}
	if rows[1][3] != "91" {
		t.Fatalf("mobile performance cell = %q", rows[1][3])
	}
	if rows[2][1] != "失敗" || rows[2][2] != "Daily API limit reached" {
		t.Fatalf("failed row = %v", rows[2])
	}
	// Pending page: no reports, score columns stay empty.
	if len(rows[3]) > 3 {
		for _, cell := range rows[3][3:] {
			if cell != "" {
				t.Fatalf("pending row has score cell %q", cell)
			}
		}
	}
}

func TestWriteSummaryXLSXRejectsEmptyPath(t *testing.T) {
	if err := WriteSummaryXLSX(nil, "  "); err == nil {
		t.Fatal("empty path accepted")
	}
}
