package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/abkawan/sendmoney-ledger/internal/models"
)

const (
	successColor = "\033[32m" // Green
	errorColor   = "\033[31m" // Red
	infoColor    = "\033[34m" // Blue
	resetColor   = "\033[0m"  // Reset color
)

var errInsufficient = errors.New("insufficient balance")

type account struct {
	id      string
	initial int64

	mu   sync.Mutex
	sent int64
	ok   int
}

type client struct {
	baseURL string
	http    *http.Client
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "api base url")
	numAccounts := flag.Int("accounts", 20, "number of fresh accounts to drain")
	numTransfers := flag.Int("transfers", 5000, "total number of transfers")
	concurrency := flag.Int("concurrency", 100, "maximum concurrent requests")
	maxAmount := flag.Int64("max-amount", 20000, "largest transfer amount in minor units")
	flag.Parse()

	c := &client{baseURL: *baseURL, http: &http.Client{Timeout: 30 * time.Second}}
	ctx := context.Background()

	fmt.Printf("%sstarting a load test with %d accounts and %d transfers%s\n",
		infoColor, *numAccounts, *numTransfers, resetColor)

	// Fresh ids so every run starts from the seed balance
	run := uuid.NewString()[:8]
	accounts := make([]*account, 0, *numAccounts)
	for i := 0; i < *numAccounts; i++ {
		id := fmt.Sprintf("load-%s-%d", run, i)
		balance, err := c.balance(ctx, id)
		if err != nil {
			fmt.Printf("%sfailed to seed account %s: %v%s\n", errorColor, id, err, resetColor)
			os.Exit(1)
		}
		accounts = append(accounts, &account{id: id, initial: balance})
	}
	fmt.Printf("%sseeded %d accounts%s\n", successColor, len(accounts), resetColor)

	var succeeded, rejected, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)

	startTime := time.Now()
	for i := 0; i < *numTransfers; i++ {
		acc := accounts[rand.Intn(len(accounts))]
		amount := 1 + rand.Int63n(*maxAmount)
		txNum := i

		g.Go(func() error {
			resp, err := c.send(gctx, acc.id, fmt.Sprintf("recipient-%d", txNum), amount)
			switch {
			case err == nil:
				succeeded.Add(1)
				acc.mu.Lock()
				acc.sent += amount
				acc.ok++
				acc.mu.Unlock()
				if resp.NewBalance < 0 {
					return fmt.Errorf("account %s went negative: %d", acc.id, resp.NewBalance)
				}
			case errors.Is(err, errInsufficient):
				rejected.Add(1)
			default:
				failed.Add(1)
				if txNum%100 == 0 { // Only log some failures to avoid overwhelming output
					fmt.Printf("%stransfer failed: %v%s\n", errorColor, err, resetColor)
				}
			}
			return nil
		})
	}

	// Wait for all transfers to complete
	if err := g.Wait(); err != nil {
		fmt.Printf("%sinvariant violated: %v%s\n", errorColor, err, resetColor)
		os.Exit(1)
	}
	duration := time.Since(startTime)

	total := float64(*numTransfers)
	fmt.Printf("\n%s=== load test results ===%s\n", infoColor, resetColor)
	fmt.Printf("Total transfers: %d\n", *numTransfers)
	fmt.Printf("Committed: %s%d (%.1f%%)%s\n", successColor, succeeded.Load(), float64(succeeded.Load())/total*100, resetColor)
	fmt.Printf("Insufficient funds: %d (%.1f%%)\n", rejected.Load(), float64(rejected.Load())/total*100)
	fmt.Printf("Failed: %s%d (%.1f%%)%s\n", errorColor, failed.Load(), float64(failed.Load())/total*100, resetColor)
	fmt.Printf("Duration: %.2f seconds\n", duration.Seconds())
	fmt.Printf("Throughput: %.2f transfers/second\n", total/duration.Seconds())

	// Check final balances
	fmt.Printf("\n%schecking final account balances...%s\n", infoColor, resetColor)
	if !verify(ctx, c, accounts) {
		os.Exit(1)
	}
	fmt.Printf("%sall balances conserved%s\n", successColor, resetColor)
}

// verify checks that every balance equals its seed minus what was committed
// and that the log holds one record per committed transfer.
func verify(ctx context.Context, c *client, accounts []*account) bool {
	ok := true
	for _, acc := range accounts {
		balance, err := c.balance(ctx, acc.id)
		if err != nil {
			fmt.Printf("%sfailed to read %s: %v%s\n", errorColor, acc.id, err, resetColor)
			ok = false
			continue
		}
		if want := acc.initial - acc.sent; balance != want || balance < 0 {
			fmt.Printf("%saccount %s: balance %d, want %d%s\n", errorColor, acc.id, balance, want, resetColor)
			ok = false
		}

		// the log endpoint pages at 100
		if acc.ok > 100 {
			continue
		}
		txs, err := c.transactions(ctx, acc.id)
		if err != nil {
			fmt.Printf("%sfailed to list %s: %v%s\n", errorColor, acc.id, err, resetColor)
			ok = false
			continue
		}
		if len(txs) != acc.ok {
			fmt.Printf("%saccount %s: %d transactions logged, %d committed%s\n", errorColor, acc.id, len(txs), acc.ok, resetColor)
			ok = false
		}
	}
	return ok
}

func (c *client) balance(ctx context.Context, accountID string) (int64, error) {
	var out models.BalanceResponse
	if err := c.do(ctx, http.MethodGet, "/balance/"+accountID, nil, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

func (c *client) transactions(ctx context.Context, accountID string) ([]*models.Transaction, error) {
	var out models.TransactionsResponse
	if err := c.do(ctx, http.MethodGet, "/accounts/"+accountID+"/transactions?limit=100", nil, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

func (c *client) send(ctx context.Context, from, to string, amount int64) (*models.SendMoneyResponse, error) {
	body := map[string]any{
		"fromAccountId": from,
		"toName":        to,
		"amount":        amount,
	}
	var out models.SendMoneyResponse
	if err := c.do(ctx, http.MethodPost, "/send-money", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		jsonData, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(raw, &apiErr)
		if resp.StatusCode == http.StatusBadRequest && bytes.Contains(raw, []byte(errInsufficient.Error())) {
			return fmt.Errorf("%w: %s", errInsufficient, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d, body: %s", method, path, resp.StatusCode, string(raw))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
