// Package export renders an analyzed page set into an XLSX summary, one
// row per URL with the category scores for both device classes.
package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"lazypagespeed/domain"
)

var categoryOrder = []string{"performance", "accessibility", "best-practices", "seo"}

var categoryLabels = map[string]string{
	"performance":    "效能",
	"accessibility":  "無障礙",
	"best-practices": "最佳做法",
	"seo":            "SEO",
}

var deviceLabels = map[domain.DeviceClass]string{
	domain.DeviceMobile:  "行動版",
	domain.DeviceDesktop: "電腦版",
}

var statusLabels = map[domain.PageStatus]string{
	domain.PageStatusPending:    "待分析",
	domain.PageStatusProcessing: "分析中",
	domain.PageStatusSuccess:    "完成",
	domain.PageStatusFailed:     "失敗",
}

// WriteSummaryXLSX writes the summary workbook to outPath. Pages appear
// in the given order; a page without a report leaves its score cells
// empty rather than zero.
func WriteSummaryXLSX(pages []*domain.Page, outPath string) error {
	if strings.TrimSpace(outPath) == "" {
		return errors.New("输出路径为空")
	}

	f := excelize.NewFile()
	defSheet := f.GetSheetName(0)
	if defSheet == "" {
		defSheet = "Sheet1"
	}
	sheet := "分析結果"
	_ = f.SetSheetName(defSheet, sheet)
	f.SetActiveSheet(0)

	// Light red fill + dark red font for failed pages.
	failedStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"FFC7CE"}},
		Font: &excelize.Font{Color: "9C0006"},
	})

	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return err
	}

	header := []interface{}{"URL", "狀態", "錯誤"}
	for _, device := range []domain.DeviceClass{domain.DeviceMobile, domain.DeviceDesktop} {
		for _, cat := range categoryOrder {
			header = append(header, deviceLabels[device]+" "+categoryLabels[cat])
		}
	}
	if err := sw.SetRow("A1", header); err != nil {
		return err
	}

	for i, page := range pages {
		row := []interface{}{page.URL, statusLabel(page.Status), page.Error}
		for _, report := range []domain.Report{page.Reports.Mobile, page.Reports.Desktop} {
			scores := categoryScores(report)
			for _, cat := range categoryOrder {
				if v, ok := scores[cat]; ok {
					row = append(row, v)
				} else {
					row = append(row, nil)
				}
			}
		}
		axis, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if page.Status == domain.PageStatusFailed {
			cells := make([]interface{}, len(row))
			for j, v := range row {
				cells[j] = excelize.Cell{StyleID: failedStyle, Value: v}
			}
			row = cells
		}
		if err := sw.SetRow(axis, row); err != nil {
			return err
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}

	if dir := filepath.Dir(outPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建输出目录失败: %w", err)
		}
	}
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("创建结果文件失败: %w", err)
	}
	defer out.Close()
	if _, err := f.WriteTo(out); err != nil {
		return fmt.Errorf("写入结果文件失败: %w", err)
	}
	return nil
}

func statusLabel(s domain.PageStatus) string {
	if label, ok := statusLabels[s]; ok {
		return label
	}
	return string(s)
}

// categoryScores pulls the 0-100 category scores out of a raw report.
// Anything missing or malformed simply yields no entry; the report
// document stays opaque beyond this one path.
func categoryScores(report domain.Report) map[string]int {
	if len(report) == 0 {
		return nil
	}
	var probe struct {
		LighthouseResult struct {
			Categories map[string]struct {
				Score *float64 `json:"score"`
			} `json:"categories"`
		} `json:"lighthouseResult"`
	}
	if err := json.Unmarshal(report, &probe); err != nil {
		return nil
	}
	out := make(map[string]int, len(probe.LighthouseResult.Categories))
	for name, cat := range probe.LighthouseResult.Categories {
		if cat.Score == nil {
			continue
		}
		out[name] = int(math.Round(*cat.Score * 100))
	}
	return out
}
