package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/groundtruth/internal/config"
	"github.com/sells-group/groundtruth/internal/cost"
	"github.com/sells-group/groundtruth/internal/model"
	"github.com/sells-group/groundtruth/internal/pipeline"
)

// testConfig returns a run-ready config rooted in dir.
func testConfig(dir string) *config.Config {
	return &config.Config{
		Domain:      "city",
		Provider:    config.ProviderConfig{Name: "openai", Model: "gpt-4o-mini", MaxTokens: 16},
		Credentials: config.CredentialsConfig{Keys: []string{"k1", "k2"}, FailureThreshold: 2},
		Retry:       config.RetryConfig{MaxAttempts: 2, Strategy: "jittered", InitialBackoffMs: 1, MaxBackoffMs: 1},
		Batch:       config.BatchConfig{Size: 10},
		Gate: config.GateConfig{
			LowerItems: 100, LowerMinHigh: 3, UpperItems: 200, UpperMaxHigh: 110,
			SidecarPath: filepath.Join(dir, "disabled.json"),
		},
		Store: config.StoreConfig{Driver: "csv", Path: filepath.Join(dir, "results.csv"), FlushEvery: 10},
		Run: config.RunConfig{
			Mode:            "pair",
			InputPath:       filepath.Join(dir, "input.json"),
			GroundTruthPath: filepath.Join(dir, "ground_truth.json"),
			QueryEnd:        -1,
			Concurrency:     1,
		},
		Pricing: cost.DefaultRates(),
	}
}

func TestInitStoreEnv_CSV(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	env, err := initStoreEnv(ctx, testConfig(dir))
	require.NoError(t, err)
	assert.Equal(t, "City", env.Vocab.EntityHeader)

	_, err = env.Ledger.Put(ctx, model.Result{Query: "q", EntityID: "Paris", Score: 3})
	require.NoError(t, err)
	env.Close(ctx)

	data, err := os.ReadFile(filepath.Join(dir, "results.csv"))
	require.NoError(t, err)
	assert.Equal(t, "Query,City,Relevance Score\nq,Paris,3\n", string(data))
}

func TestInitStoreEnv_UnknownDomain(t *testing.T) {
	c := testConfig(t.TempDir())
	c.Domain = "spaceport"
	_, err := initStoreEnv(context.Background(), c)
	assert.ErrorIs(t, err, model.ErrUnknownDomain)
}

func TestInitLabelEnv_RequiresCredentials(t *testing.T) {
	c := testConfig(t.TempDir())
	c.Credentials.Keys = nil

	_, err := initLabelEnv(context.Background(), c, pipeline.ModePair)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials")
}

func TestInitLabelEnv_WiresCollector(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	env, err := initLabelEnv(ctx, testConfig(dir), pipeline.ModePassage)
	require.NoError(t, err)
	defer env.Close(ctx)

	assert.Equal(t, 2, env.Pool.Size())
	snap := env.Collector.Collect()
	require.NotNil(t, snap.Pool)
	assert.Equal(t, "standard-1", snap.Pool.Active.Label())
	require.NotNil(t, snap.Ledger)
	assert.Equal(t, filepath.Join(dir, "results.csv"), snap.Ledger.Location)
	assert.Equal(t, pipeline.ModePassage, snap.Progress.Mode)
}

func TestRunFlags_Apply(t *testing.T) {
	var f runFlags
	cmd := &cobra.Command{Use: "x"}
	f.register(cmd)
	require.NoError(t, cmd.Flags().Parse([]string{"--start", "3", "--concurrency", "2", "--serve"}))

	c := testConfig(t.TempDir())
	c.Run.QueryEnd = 7
	f.apply(cmd, c)

	assert.Equal(t, 3, c.Run.QueryStart)
	assert.Equal(t, 7, c.Run.QueryEnd, "unset flags keep the configured value")
	assert.Equal(t, 2, c.Run.Concurrency)
	assert.True(t, c.Monitoring.Enabled)
}

func TestRunFlags_GroundTruthFallsBackToConfig(t *testing.T) {
	c := testConfig(t.TempDir())

	var unset runFlags
	assert.Equal(t, c.Run.GroundTruthPath, unset.groundTruthPath(c))

	set := runFlags{groundTruth: "custom/gt.json"}
	assert.Equal(t, "custom/gt.json", set.groundTruthPath(c))
}

func TestLabelCommand_WritesGroundTruthFromConfig(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int32
	srv := chatServer(t, "3", &calls)
	defer srv.Close()

	cfg = testConfig(dir)
	cfg.Provider.BaseURL = srv.URL
	t.Cleanup(func() { cfg = nil })
	require.NoError(t, os.WriteFile(cfg.Run.InputPath, []byte(`{"q": {"Nice": ["sun"]}}`), 0o644))

	labelCmd.SetContext(context.Background())
	require.NoError(t, labelCmd.RunE(labelCmd, nil))

	data, err := os.ReadFile(cfg.Run.GroundTruthPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"q": ["Nice"]}`, string(data))
}

// chatServer answers every chat completion with content.
func chatServer(t *testing.T, content string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 120, "completion_tokens": 1, "total_tokens": 121},
		})
	}))
}

func TestRunLabel_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int32
	srv := chatServer(t, "2", &calls)
	defer srv.Close()

	c := testConfig(dir)
	c.Provider.BaseURL = srv.URL
	require.NoError(t, os.WriteFile(c.Run.InputPath,
		[]byte(`{"warm beaches": {"Nice": ["pebble beach"], "Oslo": ["fjords"]}}`), 0o644))

	require.NoError(t, runLabel(context.Background(), c, pipeline.ModePair, c.Run.GroundTruthPath))
	assert.Equal(t, int32(2), calls.Load())

	data, err := os.ReadFile(c.Run.GroundTruthPath)
	require.NoError(t, err)
	var gt pipeline.GroundTruth
	require.NoError(t, json.Unmarshal(data, &gt))
	assert.Equal(t, []string{"Nice", "Oslo"}, gt["warm beaches"])

	// A second run reuses the ledger and makes no calls.
	require.NoError(t, runLabel(context.Background(), c, pipeline.ModePair, ""))
	assert.Equal(t, int32(2), calls.Load())
}

// judgeServer answers summary prompts with a fixed summary and the judge
// prompt (the one asking for a JSON array) with relevant.
func judgeServer(t *testing.T, relevant string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		content := "A fine match."
		if last := req.Messages[len(req.Messages)-1].Content; strings.Contains(last, "JSON array") {
			content = relevant
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 200, "completion_tokens": 20, "total_tokens": 220},
		})
	}))
}

func TestRunLabel_QueryModeEndToEnd(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int32
	srv := judgeServer(t, `["Oslo"]`, &calls)
	defer srv.Close()

	c := testConfig(dir)
	c.Provider.BaseURL = srv.URL
	c.Run.SummaryCachePath = filepath.Join(dir, "summaries.csv")
	require.NoError(t, os.WriteFile(c.Run.InputPath,
		[]byte(`{"fjords": {"Nice": ["pebble beach"], "Oslo": ["fjords"]}}`), 0o644))

	require.NoError(t, runLabel(context.Background(), c, pipeline.ModeQuery, c.Run.GroundTruthPath))
	assert.Equal(t, int32(3), calls.Load(), "two summaries and one judge call")

	data, err := os.ReadFile(c.Run.GroundTruthPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"fjords": ["Oslo"]}`, string(data))

	results, err := os.ReadFile(c.Store.Path)
	require.NoError(t, err)
	assert.Equal(t, "Query,City,Relevance Score\nfjords,Nice,0\nfjords,Oslo,3\n", string(results))

	summaries, err := os.ReadFile(c.Run.SummaryCachePath)
	require.NoError(t, err)
	assert.Contains(t, string(summaries), "fjords,Oslo,A fine match.")
}

func TestRunLabel_MissingInput(t *testing.T) {
	c := testConfig(t.TempDir())
	err := runLabel(context.Background(), c, pipeline.ModePair, "")
	assert.ErrorIs(t, err, pipeline.ErrInputNotFound)
}
