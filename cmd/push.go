package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cobra"

	"github.com/florinutz/iceingest/batch"
	"github.com/florinutz/iceingest/flightserver"
	"github.com/florinutz/iceingest/server"
	"github.com/florinutz/iceingest/tracing"
)

var pushCmd = &cobra.Command{
	Use:   "push FILE",
	Short: "Send an Arrow IPC stream file to a running iceingest",
	Long: `Reads an Arrow IPC stream from FILE ("-" for stdin) and ingests it into
--table. The stream is POSTed to <url>/ingest unless --flight names an Arrow
Flight address, in which case the first record batch is sent with DoPut.`,
	Args: cobra.ExactArgs(1),
	RunE: runPush,
}

func init() {
	f := pushCmd.Flags()
	f.String("table", "", "target table name (required)")
	f.String("namespace", "", "target namespace, dot separated (default: server default)")
	f.String("url", "http://localhost:3000", "base URL of the HTTP ingest API")
	f.String("flight", "", "Arrow Flight address; overrides --url")
	f.Int("retries", 3, "retries when the server rate limits the request")
	f.Duration("timeout", 5*time.Minute, "overall request timeout")
	_ = pushCmd.MarkFlagRequired("table")
}

func runPush(cmd *cobra.Command, args []string) error {
	table, _ := cmd.Flags().GetString("table")
	namespace, _ := cmd.Flags().GetString("namespace")
	baseURL, _ := cmd.Flags().GetString("url")
	flightAddr, _ := cmd.Flags().GetString("flight")
	retries, _ := cmd.Flags().GetInt("retries")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	data, err := readInput(cmd.InOrStdin(), args[0])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	var resp server.Response
	if flightAddr != "" {
		resp, err = pushFlight(ctx, flightAddr, namespace, table, data)
	} else {
		resp, err = pushHTTP(ctx, newPushClient(retries, slog.Default()), baseURL, namespace, table, data)
	}
	if resp.Message != "" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(resp); encErr != nil {
			return encErr
		}
	}
	return err
}

func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// newPushClient retries only rate-limited responses. Those were never
// processed, so resending cannot duplicate rows; any other failure might
// have committed and is returned as is.
func newPushClient(retries int, logger *slog.Logger) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retries
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 10 * time.Second
	rc.Logger = logger
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return err == nil && resp.StatusCode == http.StatusTooManyRequests, nil
	}
	return rc
}

func pushHTTP(ctx context.Context, client *retryablehttp.Client, baseURL, namespace, table string, data []byte) (server.Response, error) {
	var resp server.Response

	q := url.Values{"table_name": {table}}
	if namespace != "" {
		q.Set("namespace", namespace)
	}
	u := strings.TrimRight(baseURL, "/") + "/ingest?" + q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, u, data)
	if err != nil {
		return resp, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/vnd.apache.arrow.stream")
	tracing.InjectHTTP(ctx, req.Header)

	httpResp, err := client.Do(req)
	if err != nil {
		return resp, fmt.Errorf("post %s: %w", u, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return resp, fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return resp, fmt.Errorf("ingest failed with status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(body)))
	}
	if httpResp.StatusCode != http.StatusOK || !resp.Success {
		return resp, fmt.Errorf("ingest failed with status %d: %s", httpResp.StatusCode, resp.Message)
	}
	return resp, nil
}

func pushFlight(ctx context.Context, addr, namespace, table string, data []byte) (server.Response, error) {
	b, err := batch.Decode(data)
	if err != nil {
		return server.Response{}, err
	}
	defer b.Release()

	c, err := flightserver.Dial(addr)
	if err != nil {
		return server.Response{}, err
	}
	defer c.Close()

	return c.Put(ctx, namespace, table, b.Record())
}
