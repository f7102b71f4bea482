package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/stocktake_backend/config"
	"github.com/mmdatafocus/stocktake_backend/models"
	"github.com/mmdatafocus/stocktake_backend/utils"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

// Seeds a session's reference catalog from a spreadsheet export.
// Expected columns: product code, barcode, description, baseline qty.

func main() {
	businessId := flag.String("business-id", "", "Owning business ID (required)")
	sessionId := flag.Int("session-id", 0, "Target count session ID (required)")
	file := flag.String("file", "", "Catalog file, .csv or .xlsx (required)")
	flag.Parse()

	if strings.TrimSpace(*businessId) == "" || *sessionId == 0 || strings.TrimSpace(*file) == "" {
		fmt.Println("usage: import-catalog -business-id <id> -session-id <id> -file <catalog.csv|catalog.xlsx>")
		os.Exit(2)
	}

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		panic("database not initialized")
	}
	logger := config.GetLogger()

	cells, err := readRows(*file)
	if err != nil {
		panic(err)
	}

	rows, badRows := parseRows(logger, cells)

	ctx := utils.SetBusinessIdInContext(context.Background(), strings.TrimSpace(*businessId))
	imported, skipped, err := models.UpsertCatalogItems(ctx, *sessionId, rows)
	if err != nil {
		panic(err)
	}

	logger.WithFields(logrus.Fields{
		"session_id": *sessionId,
		"imported":   imported,
		"skipped":    skipped + badRows,
	}).Info("catalog import finished")
	fmt.Printf("imported %d rows, skipped %d\n", imported, skipped+badRows)
}

func readRows(path string) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		reader := csv.NewReader(f)
		reader.FieldsPerRecord = -1
		return reader.ReadAll()
	case ".xlsx":
		f, err := excelize.OpenFile(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, fmt.Errorf("no sheets in %s", path)
		}
		return f.GetRows(sheets[0])
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
}

// parseRows maps raw cells to import rows. The header row (unparsable qty in
// a non-empty row) and rows that fail validation are counted, not fatal.
func parseRows(logger *logrus.Logger, cells [][]string) ([]*models.NewCatalogItem, int) {
	validate := validator.New()
	rows := make([]*models.NewCatalogItem, 0, len(cells))
	bad := 0

	for i, record := range cells {
		if len(record) == 0 {
			continue
		}
		row := &models.NewCatalogItem{
			ProductCode: cell(record, 0),
			Barcode:     cell(record, 1),
			Description: cell(record, 2),
		}
		qty, err := utils.ParseDecimal(cell(record, 3))
		if err != nil {
			if i == 0 {
				continue // header row
			}
			bad++
			continue
		}
		row.BaselineQty = qty

		if err := validate.Struct(row); err != nil {
			logger.WithFields(logrus.Fields{
				"row":    i + 1,
				"errors": utils.ProcessValidationErrors(err),
			}).Warn("skipping invalid catalog row")
			bad++
			continue
		}
		rows = append(rows, row)
	}
	return rows, bad
}

func cell(record []string, idx int) string {
	if idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}
