package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/ambient/internal/buffer"
	"github.com/stellarlinkco/ambient/internal/config"
	"github.com/stellarlinkco/ambient/internal/logger"
	"github.com/stellarlinkco/ambient/internal/orchestrator"
)

// httpClient talks to the control API of a running daemon.
var httpClient = &http.Client{Timeout: 30 * time.Second}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ambient",
		Short:         "ambient - situational context for a remote agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Init(logger.FromEnv())
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Start the daemon (scheduler, analyzer, escalation, control API)",
		RunE:  runDaemon,
	})
	root.AddCommand(&cobra.Command{
		Use:   "onboard",
		Short: "Initialize config and workspace",
		RunE:  runOnboard,
	})

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status, or the local config when it is not running",
		RunE:  runStatus,
	}
	statusCmd.Flags().Bool("json", false, "print the raw status document")
	root.AddCommand(statusCmd)

	root.AddCommand(newPushCmd())
	return root
}

func newPushCmd() *cobra.Command {
	push := &cobra.Command{
		Use:   "push",
		Short: "Push a feed line or sense event into a running daemon",
	}

	feed := &cobra.Command{
		Use:   "feed <text>",
		Short: "Push a transcript or HUD line",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runPushFeed,
	}
	feed.Flags().Int("priority", 0, "line priority")
	feed.Flags().String("source", string(buffer.SourceAudio), "audio, hud or system")
	feed.Flags().String("channel", "cli", "producer channel tag")

	sense := &cobra.Command{
		Use:   "sense",
		Short: "Push a screen observation",
		RunE:  runPushSense,
	}
	sense.Flags().String("type", string(buffer.SenseText), "text, visual or context")
	sense.Flags().String("ocr", "", "recognized screen text")
	sense.Flags().String("app", "", "active application name")
	sense.Flags().String("window", "", "active window title")
	sense.Flags().Float64("ssim", 0, "similarity to the previous frame")
	sense.Flags().String("image", "", "path to a screenshot")

	tick := &cobra.Command{
		Use:   "tick",
		Short: "Run one analysis now and print the result",
		Args:  cobra.NoArgs,
		RunE:  runPushTick,
	}

	push.AddCommand(feed, sense, tick)
	return push
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'ambient onboard' or set AMBIENT_API_KEY / ANTHROPIC_API_KEY")
	}

	o, err := orchestrator.New(cfg)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	return o.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ws := cfg.Workspace
	if err := os.MkdirAll(ws, 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	if err := os.MkdirAll(config.StateDir(), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	writeIfNotExists(out, filepath.Join(ws, "INSTRUCTIONS.md"), defaultInstructionsMD)
	writeIfNotExists(out, filepath.Join(ws, "PROFILE.md"), defaultProfileMD)

	fmt.Fprintf(out, "Workspace ready: %s\n", ws)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key and gateway\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set AMBIENT_API_KEY and AMBIENT_GATEWAY_URL")
	fmt.Fprintln(out, "  3. Run 'ambient run', then 'ambient push feed \"hello\"' to test")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	raw, err := controlGet(cfg, "/v1/status")
	if err != nil {
		printLocalStatus(out, cfg)
		fmt.Fprintf(out, "Daemon: not reachable at %s (%v)\n", controlBase(cfg), err)
		return nil
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		_, err := out.Write(raw)
		return err
	}

	var st orchestrator.Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	fmt.Fprintf(out, "Daemon: running %s (version %s)\n", st.Uptime, st.Version)
	fmt.Fprintf(out, "Scheduler: %s, %d ticks, %d failed\n", st.Scheduler.State, st.Scheduler.Stats.Ticks, st.Scheduler.Stats.Failures)
	if st.Scheduler.LastHUD != "" {
		fmt.Fprintf(out, "HUD: %s\n", st.Scheduler.LastHUD)
	}
	fmt.Fprintf(out, "Buffers: feed %d/%d, sense %d/%d, images %d\n",
		st.Buffers.FeedLen, st.Buffers.FeedCap, st.Buffers.SenseLen, st.Buffers.SenseCap, st.Buffers.Images)
	fmt.Fprintf(out, "Escalation: %s, %d delivered, %d failed\n", st.Escalation.Mode, st.Escalation.Delivered, st.Escalation.Failures)
	if st.Gateway != nil {
		fmt.Fprintf(out, "Gateway: connected=%v breaker-open=%v\n", st.Gateway.Connected, st.Gateway.Breaker.Open)
	}
	fmt.Fprintf(out, "Channels: %s\n", strings.Join(st.Channels, ", "))
	if len(st.Skills) > 0 {
		fmt.Fprintf(out, "Skills: %s\n", strings.Join(st.Skills, ", "))
	}
	return nil
}

func printLocalStatus(out io.Writer, cfg *config.Config) {
	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Workspace: %s\n", cfg.Workspace)
	fmt.Fprintf(out, "Model: %s\n", cfg.Analysis.Primary)
	if len(cfg.Analysis.Fallbacks) > 0 {
		fmt.Fprintf(out, "Fallbacks: %s\n", strings.Join(cfg.Analysis.Fallbacks, ", "))
	}
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Fprintf(out, "API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Fprintln(out, "API Key: set")
	} else {
		fmt.Fprintln(out, "API Key: not set")
	}
	fmt.Fprintf(out, "Escalation: %s\n", cfg.Escalation.Mode)
	fmt.Fprintf(out, "Gateway: enabled=%v\n", cfg.Gateway.Enabled)
	fmt.Fprintf(out, "Hooks: enabled=%v\n", cfg.Hooks.Enabled)
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func runPushFeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	priority, _ := cmd.Flags().GetInt("priority")
	source, _ := cmd.Flags().GetString("source")
	channel, _ := cmd.Flags().GetString("channel")

	_, err = controlSend(cfg, http.MethodPost, "/v1/feed", map[string]any{
		"text":     strings.Join(args, " "),
		"priority": priority,
		"source":   source,
		"channel":  channel,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "ok")
	return nil
}

func runPushSense(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ev, err := senseFromFlags(cmd)
	if err != nil {
		return err
	}
	raw, err := controlSend(cfg, http.MethodPost, "/v1/sense", ev)
	if err != nil {
		return err
	}
	var res struct {
		Merged bool `json:"merged"`
	}
	_ = json.Unmarshal(raw, &res)
	if res.Merged {
		fmt.Fprintln(cmd.OutOrStdout(), "ok (merged)")
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
	}
	return nil
}

func senseFromFlags(cmd *cobra.Command) (buffer.SenseEvent, error) {
	typ, _ := cmd.Flags().GetString("type")
	ocr, _ := cmd.Flags().GetString("ocr")
	app, _ := cmd.Flags().GetString("app")
	win, _ := cmd.Flags().GetString("window")
	ssim, _ := cmd.Flags().GetFloat64("ssim")
	imagePath, _ := cmd.Flags().GetString("image")

	ev := buffer.SenseEvent{
		Type: buffer.SenseType(typ),
		OCR:  ocr,
		App:  buffer.AppMeta{Name: app, Window: win},
		SSIM: ssim,
	}
	if imagePath != "" {
		data, err := os.ReadFile(imagePath)
		if err != nil {
			return ev, fmt.Errorf("read image: %w", err)
		}
		mediaType := http.DetectContentType(data)
		if !strings.HasPrefix(mediaType, "image/") {
			return ev, fmt.Errorf("%s is not an image (%s)", imagePath, mediaType)
		}
		ev.Image = &buffer.Image{MediaType: mediaType, Data: data}
		if ev.Type == buffer.SenseText {
			ev.Type = buffer.SenseVisual
		}
	}
	if ev.OCR == "" && ev.Image == nil && ev.App.Name == "" {
		return ev, fmt.Errorf("nothing to push: set --ocr, --app or --image")
	}
	return ev, nil
}

func runPushTick(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	raw, err := controlSend(cfg, http.MethodPost, "/v1/tick", nil)
	if err != nil {
		return err
	}
	var res struct {
		Status string `json:"status"`
		Entry  *struct {
			HUD    string `json:"hud"`
			Digest string `json:"digest"`
			Model  string `json:"model"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("decode tick: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Status: %s\n", res.Status)
	if res.Entry != nil {
		fmt.Fprintf(out, "HUD: %s\nDigest: %s\nModel: %s\n", res.Entry.HUD, res.Entry.Digest, res.Entry.Model)
	}
	return nil
}

func controlBase(cfg *config.Config) string {
	host := cfg.Control.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Control.Port))
}

func controlGet(cfg *config.Config, path string) ([]byte, error) {
	return controlSend(cfg, http.MethodGet, path, nil)
}

// controlSend calls the control API and returns the body of a 2xx response.
func controlSend(cfg *config.Config, method, path string, body any) ([]byte, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, controlBase(cfg)+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("control api: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("control api %s %s: %d %s", method, path, resp.StatusCode, e.Error)
		}
		return nil, fmt.Errorf("control api %s %s: %d", method, path, resp.StatusCode)
	}
	return raw, nil
}

func writeIfNotExists(out io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Fprintf(out, "  Created: %s\n", path)
	}
}

const defaultInstructionsMD = `# Analysis instructions

Extra guidance for the context analyzer. It is appended to the built-in
instructions on every tick.

- Prefer naming the file, ticket or document the person is working on.
- Quote error messages exactly.
`

const defaultProfileMD = `# Profile

Describe yourself so digests use the right vocabulary: role, main projects,
tools you use daily.
`
