// Benchmark tool for measuring FraudWatch against labeled PaySim data.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/paysim.csv -url http://localhost:8080
//
// Rows are sent in batches to POST /detect/batch and each verdict is
// compared with the isFraud label of its row.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// labeledTx is one PaySim row converted to a FraudWatch transaction.
type labeledTx struct {
	ID      string
	Tx      map[string]any
	IsFraud bool
}

// batchEntry mirrors one slot of the /detect/batch response.
type batchEntry struct {
	IsFraud     bool    `json:"is_fraud"`
	FraudSource string  `json:"fraud_source"`
	FraudReason string  `json:"fraud_reason"`
	FraudScore  float64 `json:"fraud_score"`
	Error       string  `json:"error"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	RuleHits  int64
	ModelHits int64

	TotalProcessed int64
	TotalErrors    int64

	Batches     int64
	BatchTimeMs int64
	FailedBatch int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to PaySim CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "FraudWatch base URL")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	batchSize := flag.Int("batch", 500, "Transactions per /detect/batch request")
	workers := flag.Int("workers", 4, "Number of concurrent batch requests")
	fraudOnly := flag.Bool("fraud-only", false, "Only send fraud transactions")
	sampleRate := flag.Float64("sample", 1.0, "Sample rate for non-fraud (0.0-1.0)")
	verbose := flag.Bool("verbose", false, "Print every misclassified transaction")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/paysim.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}
	if *batchSize <= 0 || *workers <= 0 {
		fmt.Println("ERROR: -batch and -workers must be positive")
		os.Exit(1)
	}

	fmt.Println("FraudWatch benchmark - PaySim")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("URL:         %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Batch Size:  %d\n", *batchSize)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: FraudWatch not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nStart it with: go run ./cmd/fraudwatch")
		os.Exit(1)
	}
	fmt.Println("FraudWatch is healthy")

	txs, err := readPaySimCSV(*csvPath, *limit, *fraudOnly, *sampleRate)
	if err != nil {
		fmt.Printf("ERROR: failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(txs) == 0 {
		fmt.Println("ERROR: no transactions loaded")
		os.Exit(1)
	}

	fraudCount := 0
	for _, tx := range txs {
		if tx.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("Loaded %d transactions (%d fraud, %.2f%%)\n", len(txs), fraudCount, 100*float64(fraudCount)/float64(len(txs)))

	start := time.Now()
	m := runBenchmark(txs, *baseURL, *batchSize, *workers, *verbose)
	printResults(m, time.Since(start))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readPaySimCSV(path string, limit int, fraudOnly bool, sampleRate float64) ([]labeledTx, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(name)] = i
	}
	for _, required := range []string{"step", "type", "amount", "nameorig", "namedest", "isfraud"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	var out []labeledTx
	row, sampled := 0, 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++
		if err != nil {
			continue
		}

		isFraud := record[col["isfraud"]] == "1"
		if fraudOnly && !isFraud {
			continue
		}
		if !isFraud && sampleRate < 1.0 {
			sampled++
			if float64(sampled%100)/100.0 >= sampleRate {
				continue
			}
		}

		amount, err := strconv.ParseFloat(record[col["amount"]], 64)
		if err != nil {
			continue
		}
		step, _ := strconv.Atoi(record[col["step"]])

		id := fmt.Sprintf("paysim-%d", row)
		out = append(out, labeledTx{
			ID:      id,
			IsFraud: isFraud,
			Tx: map[string]any{
				"transaction_id":           id,
				"transaction_amount":       amount,
				"transaction_payment_mode": record[col["type"]],
				"transaction_channel":      "paysim",
				"payer_id":                 record[col["nameorig"]],
				"payee_id":                 record[col["namedest"]],
				"step":                     step,
			},
		})

		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func runBenchmark(txs []labeledTx, baseURL string, batchSize, numWorkers int, verbose bool) *Metrics {
	m := &Metrics{}
	work := make(chan []labeledTx, numWorkers)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 60 * time.Second}

			for batch := range work {
				start := time.Now()
				results, err := detectBatch(client, baseURL, batch)
				atomic.AddInt64(&m.BatchTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&m.Batches, 1)

				if err != nil {
					atomic.AddInt64(&m.FailedBatch, 1)
					atomic.AddInt64(&m.TotalErrors, int64(len(batch)))
					fmt.Printf("ERROR: batch starting at %s: %v\n", batch[0].ID, err)
					continue
				}
				for _, tx := range batch {
					entry, ok := results[tx.ID]
					if !ok {
						entry.Error = "missing from response"
					}
					score(m, tx, entry, verbose)
				}
			}
		}()
	}

	for start := 0; start < len(txs); start += batchSize {
		end := min(start+batchSize, len(txs))
		work <- txs[start:end]
	}
	close(work)
	wg.Wait()
	return m
}

func score(m *Metrics, tx labeledTx, entry batchEntry, verbose bool) {
	atomic.AddInt64(&m.TotalProcessed, 1)
	if entry.Error != "" {
		atomic.AddInt64(&m.TotalErrors, 1)
		if verbose {
			fmt.Printf("ERROR %s: %s\n", tx.ID, entry.Error)
		}
		return
	}

	predicted := entry.IsFraud
	switch {
	case predicted && tx.IsFraud:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted:
		atomic.AddInt64(&m.FalsePositives, 1)
	case tx.IsFraud:
		atomic.AddInt64(&m.FalseNegatives, 1)
	default:
		atomic.AddInt64(&m.TrueNegatives, 1)
	}
	if predicted {
		if entry.FraudSource == "rule" {
			atomic.AddInt64(&m.RuleHits, 1)
		} else {
			atomic.AddInt64(&m.ModelHits, 1)
		}
	}

	if verbose && predicted != tx.IsFraud {
		fmt.Printf("MISS %-16s | %-8v | %-5s %.2f | %s\n",
			tx.ID, tx.Tx["transaction_payment_mode"], entry.FraudSource, entry.FraudScore, entry.FraudReason)
	}
}

func detectBatch(client *http.Client, baseURL string, batch []labeledTx) (map[string]batchEntry, error) {
	payload := make([]map[string]any, len(batch))
	for i, tx := range batch {
		payload[i] = tx.Tx
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(baseURL+"/detect/batch", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var results map[string]batchEntry
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, err
	}
	return results, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nRESULTS")

	fmt.Printf("\nDataset\n")
	fmt.Printf("   Processed:      %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:         %d\n", m.TotalErrors)
	fmt.Printf("   Failed batches: %d / %d\n", m.FailedBatch, m.Batches)

	fmt.Printf("\nConfusion matrix\n")
	fmt.Println("                    Predicted")
	fmt.Println("                 fraud     legit")
	fmt.Printf("   Actual fraud  %8d  %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("          legit  %8d  %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	precision := ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
	recall := ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
	f1 := 0.0
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	accuracy := ratio(m.TruePositives+m.TrueNegatives, m.TruePositives+m.TrueNegatives+m.FalsePositives+m.FalseNegatives)

	fmt.Printf("\nDetection\n")
	fmt.Printf("   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)
	fmt.Printf("   Flagged by rule: %d, by model: %d\n", m.RuleHits, m.ModelHits)

	fmt.Printf("\nPerformance\n")
	fmt.Printf("   Duration:   %v\n", duration.Round(time.Millisecond))
	if m.Batches > 0 {
		fmt.Printf("   Avg batch:  %.2f ms\n", float64(m.BatchTimeMs)/float64(m.Batches))
	}
	if duration > 0 {
		fmt.Printf("   Throughput: %.2f tx/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Println()
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
