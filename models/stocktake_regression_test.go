package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/stocktake_backend/config"
	"github.com/mmdatafocus/stocktake_backend/models"
	"github.com/mmdatafocus/stocktake_backend/utils"
	"github.com/shopspring/decimal"
)

// Full-stack regression over the counting core: session lifecycle, join
// idempotency, movement idempotency, aggregation and the atomic finalize.
func TestStocktakeLifecycle(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "stocktake_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx = utils.SetBusinessIdInContext(ctx, "biz-lifecycle")
	db := config.GetDB()

	session, err := models.CreateSession(ctx, &models.NewCountSession{Name: "March count"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if len(session.AccessCode) != 6 {
		t.Errorf("access code %q, want 6 characters", session.AccessCode)
	}
	if session.Status != models.SessionStatusOpen {
		t.Fatalf("new session status = %s, want OPEN", session.Status)
	}

	// Joins are idempotent on (session, name); the code is case-insensitive.
	_, aye, err := models.JoinSession(ctx, strings.ToLower(session.AccessCode), "Aye")
	if err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	_, ayeAgain, err := models.JoinSession(ctx, session.AccessCode, "Aye")
	if err != nil {
		t.Fatalf("JoinSession rejoin: %v", err)
	}
	if aye.ID != ayeAgain.ID {
		t.Errorf("rejoin created a new participant: %d vs %d", aye.ID, ayeAgain.ID)
	}
	_, mya, err := models.JoinSession(ctx, session.AccessCode, "Mya")
	if err != nil {
		t.Fatalf("JoinSession second participant: %v", err)
	}

	if _, _, err := models.JoinSession(ctx, "ZZZZZZ", "Nobody"); err != utils.ErrorRecordNotFound {
		t.Errorf("join with unknown code: err = %v, want ErrorRecordNotFound", err)
	}

	imported, skipped, err := models.UpsertCatalogItems(ctx, session.ID, []*models.NewCatalogItem{
		{ProductCode: "A", Barcode: "111", Description: "Widget A", BaselineQty: decimal.NewFromInt(100)},
		{ProductCode: "B", Barcode: "222", Description: "Widget B", BaselineQty: decimal.NewFromInt(50)},
		{ProductCode: "   "}, // bad row, skipped
	})
	if err != nil {
		t.Fatalf("UpsertCatalogItems: %v", err)
	}
	if imported != 2 || skipped != 1 {
		t.Errorf("import = (%d, %d), want (2, 1)", imported, skipped)
	}

	// Movement idempotency: a replayed batch inserts nothing new.
	batch := []*models.NewCountMovement{
		{IdempotencyKey: "k1", ItemIdentifier: "A", QtyDelta: decimal.NewFromInt(60)},
	}
	accepted, err := models.AppendMovements(ctx, session.ID, aye.ID, batch)
	if err != nil {
		t.Fatalf("AppendMovements: %v", err)
	}
	if accepted != 1 {
		t.Errorf("first delivery accepted %d, want 1", accepted)
	}
	accepted, err = models.AppendMovements(ctx, session.ID, aye.ID, batch)
	if err != nil {
		t.Fatalf("AppendMovements replay: %v", err)
	}
	if accepted != 0 {
		t.Errorf("replayed delivery accepted %d, want 0", accepted)
	}

	// Second participant counts by barcode; a correction nets out.
	if _, err := models.AppendMovements(ctx, session.ID, mya.ID, []*models.NewCountMovement{
		{IdempotencyKey: "k2", ItemIdentifier: "111", QtyDelta: decimal.NewFromInt(10)},
		{IdempotencyKey: "k3", ItemIdentifier: "A", QtyDelta: decimal.NewFromInt(35)},
		{IdempotencyKey: "k4", ItemIdentifier: "A", QtyDelta: decimal.NewFromInt(-5)},
		{IdempotencyKey: "k5", ItemIdentifier: "X", QtyDelta: decimal.NewFromInt(5)},
	}); err != nil {
		t.Fatalf("AppendMovements second participant: %v", err)
	}

	if _, err := models.AppendMovements(ctx, session.ID, mya.ID+9999, nil); err != utils.ErrorRecordNotFound {
		t.Errorf("movements for unknown participant: err = %v, want ErrorRecordNotFound", err)
	}

	snapshot, err := models.GetSessionSnapshot(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSessionSnapshot: %v", err)
	}
	bySnapshotId := map[string]*models.ItemSnapshot{}
	for _, item := range snapshot {
		bySnapshotId[item.ItemIdentifier] = item
	}
	if item := bySnapshotId["111"]; item == nil || !item.CountedQty.Equal(decimal.NewFromInt(100)) {
		t.Errorf("snapshot A (by barcode 111) = %+v, want counted 100", item)
	}
	if item := bySnapshotId["X"]; item == nil || !item.Unregistered || !item.CountedQty.Equal(decimal.NewFromInt(5)) {
		t.Errorf("snapshot X = %+v, want unregistered 5", item)
	}

	report, err := models.FinalizeSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("FinalizeSession: %v", err)
	}
	if report.TotalItems != 2 || report.TotalCounted != 1 || report.TotalMissing != 1 {
		t.Errorf("report totals = %d/%d/%d, want 2/1/1", report.TotalItems, report.TotalCounted, report.TotalMissing)
	}
	if report.ParticipantCount != 2 {
		t.Errorf("report participants = %d, want 2", report.ParticipantCount)
	}
	rows, err := report.Rows()
	if err != nil {
		t.Fatalf("report.Rows: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("report has %d rows, want 3 (A, B, surplus X)", len(rows))
	}
	if !strings.HasPrefix(report.Artifact, "barcode;productCode;description") {
		t.Errorf("artifact header missing: %q", report.Artifact[:60])
	}

	// The finalize wrote the outbox record in the same transaction.
	var outboxCount int64
	if err := db.Model(&models.OutboxMessageRecord{}).
		Where("reference_id = ? AND action = ?", session.ID, "report.finalized").
		Count(&outboxCount).Error; err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if outboxCount != 1 {
		t.Errorf("outbox records = %d, want 1", outboxCount)
	}

	// A finalized session is read-only.
	if _, err := models.AppendMovements(ctx, session.ID, aye.ID, []*models.NewCountMovement{
		{IdempotencyKey: "k9", ItemIdentifier: "A", QtyDelta: decimal.NewFromInt(1)},
	}); err != models.ErrorSessionNotOpen {
		t.Errorf("movements after finalize: err = %v, want ErrorSessionNotOpen", err)
	}
	if _, _, err := models.JoinSession(ctx, session.AccessCode, "Late"); err != models.ErrorSessionNotOpen {
		t.Errorf("join after finalize: err = %v, want ErrorSessionNotOpen", err)
	}
	if _, err := models.FinalizeSession(ctx, session.ID); err != models.ErrorSessionFinalized {
		t.Errorf("double finalize: err = %v, want ErrorSessionFinalized", err)
	}

	t.Run("FinalizeRollsBackAsOneUnit", func(t *testing.T) {
		second, err := models.CreateSession(ctx, &models.NewCountSession{Name: "Rollback probe"})
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		_, p, err := models.JoinSession(ctx, second.AccessCode, "Aye")
		if err != nil {
			t.Fatalf("JoinSession: %v", err)
		}
		if _, err := models.AppendMovements(ctx, second.ID, p.ID, []*models.NewCountMovement{
			{IdempotencyKey: "r1", ItemIdentifier: "A", QtyDelta: decimal.NewFromInt(7)},
		}); err != nil {
			t.Fatalf("AppendMovements: %v", err)
		}

		// Poison the report slot: the unique index makes the in-transaction
		// report insert fail, which must roll back the status flip too.
		poison := models.StocktakeReport{
			BusinessId:  "biz-lifecycle",
			SessionId:   second.ID,
			SessionName: "poison",
			FinalizedAt: time.Now(),
		}
		if err := db.Create(&poison).Error; err != nil {
			t.Fatalf("insert poison report: %v", err)
		}

		if _, err := models.FinalizeSession(ctx, second.ID); err == nil {
			t.Fatal("finalize should fail against the poisoned report slot")
		}

		var reloaded models.CountSession
		if err := db.First(&reloaded, second.ID).Error; err != nil {
			t.Fatalf("reload session: %v", err)
		}
		if reloaded.Status != models.SessionStatusOpen {
			t.Errorf("session status = %s after failed finalize, want OPEN", reloaded.Status)
		}
		if reloaded.FinalizedAt != nil {
			t.Error("finalized_at must stay NULL after a failed finalize")
		}
	})

	t.Run("CatalogIsScopedToOwner", func(t *testing.T) {
		items, err := models.GetSessionCatalog(ctx, session.ID)
		if err != nil {
			t.Fatalf("GetSessionCatalog as owner: %v", err)
		}
		if len(items) != 2 {
			t.Errorf("owner sees %d catalog rows, want 2", len(items))
		}

		// Session ids are guessable; another business must not be able to
		// read the catalog or its counts.
		otherCtx := utils.SetBusinessIdInContext(context.Background(), "biz-other")
		if _, err := models.GetSessionCatalog(otherCtx, session.ID); !errors.Is(err, utils.ErrorRecordNotFound) {
			t.Errorf("foreign business read the catalog: err = %v, want ErrorRecordNotFound", err)
		}
	})

	t.Run("FractionalDeltasConserveExactly", func(t *testing.T) {
		s, err := models.CreateSession(ctx, &models.NewCountSession{Name: "Fractional"})
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		_, p, err := models.JoinSession(ctx, s.AccessCode, "Aye")
		if err != nil {
			t.Fatalf("JoinSession: %v", err)
		}
		if _, _, err := models.UpsertCatalogItems(ctx, s.ID, []*models.NewCatalogItem{
			{ProductCode: "A", Description: "Widget A", BaselineQty: decimal.NewFromInt(1)},
		}); err != nil {
			t.Fatalf("UpsertCatalogItems: %v", err)
		}

		// 0.1 + 0.2 + 0.7 is not 1 in binary floating point; the decimal
		// column and decimal scan must land on exactly 1.
		if _, err := models.AppendMovements(ctx, s.ID, p.ID, []*models.NewCountMovement{
			{IdempotencyKey: "f1", ItemIdentifier: "A", QtyDelta: d("0.1")},
			{IdempotencyKey: "f2", ItemIdentifier: "A", QtyDelta: d("0.2")},
			{IdempotencyKey: "f3", ItemIdentifier: "A", QtyDelta: d("0.7")},
		}); err != nil {
			t.Fatalf("AppendMovements: %v", err)
		}

		totals, err := models.AggregateCounts(ctx, s.ID)
		if err != nil {
			t.Fatalf("AggregateCounts: %v", err)
		}
		if !totals["A"].Equal(decimal.NewFromInt(1)) {
			t.Errorf("aggregate A = %s, want exactly 1", totals["A"])
		}

		report, err := models.FinalizeSession(ctx, s.ID)
		if err != nil {
			t.Fatalf("FinalizeSession: %v", err)
		}
		rows, err := report.Rows()
		if err != nil {
			t.Fatalf("report.Rows: %v", err)
		}
		if len(rows) != 1 {
			t.Fatalf("report has %d rows, want 1", len(rows))
		}
		if !rows[0].Counted.Equal(decimal.NewFromInt(1)) || !rows[0].Difference.IsZero() {
			t.Errorf("row A = counted %s diff %s, want exactly 1 and 0",
				rows[0].Counted, rows[0].Difference)
		}
	})

	t.Run("AppendsSerializeAgainstFinalize", func(t *testing.T) {
		s, err := models.CreateSession(ctx, &models.NewCountSession{Name: "Race"})
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		_, p, err := models.JoinSession(ctx, s.AccessCode, "Aye")
		if err != nil {
			t.Fatalf("JoinSession: %v", err)
		}
		if _, _, err := models.UpsertCatalogItems(ctx, s.ID, []*models.NewCatalogItem{
			{ProductCode: "A", BaselineQty: decimal.NewFromInt(2)},
		}); err != nil {
			t.Fatalf("UpsertCatalogItems: %v", err)
		}

		// A batch racing the finalize must either land in the report or be
		// rejected; an accepted movement missing from the report would break
		// conservation.
		done := make(chan error, 1)
		go func() {
			_, err := models.FinalizeSession(ctx, s.ID)
			done <- err
		}()
		accepted, appendErr := models.AppendMovements(ctx, s.ID, p.ID, []*models.NewCountMovement{
			{IdempotencyKey: "race1", ItemIdentifier: "A", QtyDelta: decimal.NewFromInt(2)},
		})
		if err := <-done; err != nil {
			t.Fatalf("FinalizeSession: %v", err)
		}

		report, err := models.GetReportBySession(ctx, s.ID)
		if err != nil {
			t.Fatalf("GetReportBySession: %v", err)
		}
		rows, err := report.Rows()
		if err != nil {
			t.Fatalf("report.Rows: %v", err)
		}
		countedA := decimal.Zero
		for _, row := range rows {
			if row.ProductCode == "A" {
				countedA = row.Counted
			}
		}

		switch {
		case appendErr == nil && accepted == 1:
			if !countedA.Equal(decimal.NewFromInt(2)) {
				t.Errorf("accepted movement missing from the report: counted A = %s, want 2", countedA)
			}
		case errors.Is(appendErr, models.ErrorSessionNotOpen):
			if !countedA.IsZero() {
				t.Errorf("rejected movement leaked into the report: counted A = %s, want 0", countedA)
			}
		default:
			t.Fatalf("append during finalize: accepted=%d err=%v", accepted, appendErr)
		}
	})
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("stocktake-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("stocktake-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=stocktake_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
