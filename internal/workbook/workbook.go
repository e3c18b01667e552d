// Package workbook assembles fetched datasets into a multi-sheet xlsx
// workbook, either in memory for direct mail attachment or on disk
// under a templated filename.
package workbook

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/blacksamuraiiii/baichuan-assistant/internal/dataset"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/model"
)

// maxSheetNameLen is the xlsx sheet-name limit
const maxSheetNameLen = 31

var sheetNameReplacer = strings.NewReplacer(
	"/", "-",
	"\\", "-",
	"?", "",
	"*", "-",
	"[", "(",
	"]", ")",
)

// SanitizeSheetName truncates and substitutes characters that are
// illegal in xlsx sheet names. The 31-character limit counts
// characters, not bytes, so multi-byte names survive intact.
func SanitizeSheetName(name string) string {
	if runes := []rune(name); len(runes) > maxSheetNameLen {
		name = string(runes[:maxSheetNameLen])
	}
	return sheetNameReplacer.Replace(name)
}

// SheetNameFor returns the configured sheet name for source position i,
// falling back to the generic Sheet<N> label, sanitized
func SheetNameFor(layout model.DataLayout, i int) string {
	if i < len(layout.SheetNames) && layout.SheetNames[i] != "" {
		return SanitizeSheetName(layout.SheetNames[i])
	}
	return fmt.Sprintf("Sheet%d", i+1)
}

// Builder writes workbooks from per-source datasets
type Builder struct {
	logger *zap.Logger
}

// NewBuilder creates a workbook builder
func NewBuilder(logger *zap.Logger) *Builder {
	return &Builder{logger: logger.Named("workbook")}
}

// Buffer builds the workbook in memory and returns the xlsx bytes,
// avoiding a temp-file round trip for mail attachments. Absent or
// empty datasets are skipped with a warning; an error is returned only
// when no sheet at all could be written.
func (b *Builder) Buffer(task *model.TaskDefinition, datasets map[string]*dataset.Dataset) ([]byte, error) {
	f, sheets, err := b.build(task, datasets)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize workbook: %w", err)
	}
	b.logger.Info("Workbook built in memory",
		zap.Int("sheets", sheets),
		zap.Int("bytes", buf.Len()))
	return buf.Bytes(), nil
}

// File builds the workbook under the OS temp directory using the
// task's templated filename and returns the written path
func (b *Builder) File(task *model.TaskDefinition, datasets map[string]*dataset.Dataset, now time.Time) (string, error) {
	f, sheets, err := b.build(task, datasets)
	if err != nil {
		return "", err
	}
	defer f.Close()

	filename := model.RenderPlaceholders(task.Layout.FilenamePattern, task.Name, now)
	dir := filepath.Join(os.TempDir(), "baichuan_data_helper")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	path := filepath.Join(dir, filename)
	path = extendLongPath(path)

	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("failed to write workbook: %w", err)
	}

	info, err := os.Stat(path)
	if err == nil {
		b.logger.Info("Workbook written",
			zap.String("path", path),
			zap.Int("sheets", sheets),
			zap.Int64("bytes", info.Size()))
	}
	return path, nil
}

func (b *Builder) build(task *model.TaskDefinition, datasets map[string]*dataset.Dataset) (*excelize.File, int, error) {
	f := excelize.NewFile()

	sheets := 0
	for i, src := range task.APISources {
		ds := datasets[src.Name]
		if ds == nil || ds.Empty() {
			b.logger.Warn("Skipping empty dataset", zap.String("source", src.Name))
			continue
		}

		name := SheetNameFor(task.Layout, i)
		if sheets == 0 {
			// Rename the default sheet instead of leaving it dangling.
			if err := f.SetSheetName("Sheet1", name); err != nil {
				f.Close()
				return nil, 0, fmt.Errorf("failed to name sheet %q: %w", name, err)
			}
		} else {
			if _, err := f.NewSheet(name); err != nil {
				f.Close()
				return nil, 0, fmt.Errorf("failed to add sheet %q: %w", name, err)
			}
		}

		if err := writeSheet(f, name, ds); err != nil {
			f.Close()
			return nil, 0, err
		}
		sheets++
		b.logger.Info("Sheet written", zap.String("sheet", name), zap.Int("rows", ds.Len()))
	}

	if sheets == 0 {
		f.Close()
		return nil, 0, fmt.Errorf("no non-empty datasets to write")
	}
	return f, sheets, nil
}

func writeSheet(f *excelize.File, sheet string, ds *dataset.Dataset) error {
	cols := ds.Columns()
	header := make([]any, len(cols))
	for i, c := range cols {
		header[i] = c
	}
	if err := setRow(f, sheet, 1, header); err != nil {
		return err
	}

	for i := 0; i < ds.Len(); i++ {
		cells := make([]any, len(cols))
		for j, c := range cols {
			cells[j] = dataset.CellString(ds.Cell(i, c))
		}
		if err := setRow(f, sheet, i+2, cells); err != nil {
			return err
		}
	}
	return nil
}

func setRow(f *excelize.File, sheet string, rowNum int, cells []any) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNum)
	if err != nil {
		return fmt.Errorf("failed to compute cell name: %w", err)
	}
	if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
		return fmt.Errorf("failed to write row %d of %q: %w", rowNum, sheet, err)
	}
	return nil
}

// extendLongPath applies the extended-length prefix where the Windows
// path limit would otherwise be exceeded
func extendLongPath(path string) string {
	if runtime.GOOS == "windows" && len(path) > 260 && !strings.HasPrefix(path, `\\?\`) {
		return `\\?\` + path
	}
	return path
}
