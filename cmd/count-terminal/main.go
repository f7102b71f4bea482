package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/stocktake_backend/countsync"
	"github.com/mmdatafocus/stocktake_backend/utils"
	"github.com/shopspring/decimal"
)

// Reference counting terminal: joins a session by access code and feeds
// scanned lines through the sync engine. Counts keep working while the
// server is unreachable; the queue drains on the next successful sync.
//
// Input lines:
//   <identifier>          count 1
//   <identifier> <qty>    count qty (negative corrects)
//   sync                  force an immediate sync
//   status                print the session mirror
//   quit                  final sync and exit

func main() {
	server := flag.String("server", "", "API base URL (default $STOCKTAKE_API_BASE_URL)")
	code := flag.String("code", "", "Session access code (required)")
	name := flag.String("name", "", "Participant name (required)")
	queueFile := flag.String("queue-file", "", "Pending queue file (default ~/.stocktake/queue-<participant>.json)")
	flag.Parse()

	if strings.TrimSpace(*code) == "" || strings.TrimSpace(*name) == "" {
		fmt.Println("usage: count-terminal -code <access-code> -name <participant> [-server <url>] [-queue-file <path>]")
		os.Exit(2)
	}

	client := countsync.NewClient(*server)

	joinCtx, cancelJoin := context.WithTimeout(context.Background(), 30*time.Second)
	joined, err := client.Join(joinCtx, *code, *name)
	cancelJoin()
	if err != nil {
		fmt.Println("join failed:", err)
		os.Exit(1)
	}
	fmt.Printf("joined %q as %s (participant %d)\n", joined.SessionName, joined.ParticipantName, joined.ParticipantId)

	path := strings.TrimSpace(*queueFile)
	if path == "" {
		home, _ := os.UserHomeDir()
		path = fmt.Sprintf("%s/.stocktake/queue-%d.json", home, joined.ParticipantId)
	}

	engine := countsync.NewEngine(joined.ParticipantId, client, countsync.NewFileQueueStore(path), 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		fmt.Println("could not restore pending queue:", err)
		os.Exit(1)
	}
	engine.ForceSync()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch strings.ToLower(line) {
		case "quit", "exit":
			shutdown(engine)
			return
		case "sync":
			engine.ForceSync()
			continue
		case "status":
			printSnapshot(engine.Snapshot())
			continue
		}

		identifier, qty, err := parseCountLine(line)
		if err != nil {
			fmt.Println(err)
			continue
		}
		if _, err := engine.Count(identifier, qty); err != nil {
			fmt.Println(err)
		}
	}
	shutdown(engine)
}

func parseCountLine(line string) (string, decimal.Decimal, error) {
	fields := strings.Fields(line)
	if len(fields) == 1 {
		return fields[0], decimal.NewFromInt(1), nil
	}
	qty, err := utils.ParseDecimal(fields[len(fields)-1])
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("bad quantity %q", fields[len(fields)-1])
	}
	return strings.Join(fields[:len(fields)-1], " "), qty, nil
}

func printSnapshot(snap countsync.Snapshot) {
	for _, item := range countsync.SortedItems(snap.Items) {
		marker := ""
		if item.Unregistered {
			marker = " (unregistered)"
		}
		fmt.Printf("%-20s %-12s counted %s / baseline %s%s\n",
			item.ItemIdentifier, item.ProductCode,
			item.CountedQty.String(), item.BaselineQty.String(), marker)
	}
	fmt.Printf("pending: %d", snap.PendingCount)
	if snap.LastSyncErr != "" {
		fmt.Printf("  last sync error: %s", snap.LastSyncErr)
	} else if !snap.LastSyncAt.IsZero() {
		fmt.Printf("  last sync: %s", snap.LastSyncAt.Format(time.RFC3339))
	}
	fmt.Println()
}

func shutdown(engine *countsync.Engine) {
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := engine.Close(closeCtx); err != nil {
		fmt.Println("final sync failed; pending counts stay queued:", err)
	}
}
