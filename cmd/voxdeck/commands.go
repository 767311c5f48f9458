package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/voxdeck/internal/api"
	"github.com/kalambet/voxdeck/internal/config"
	"github.com/kalambet/voxdeck/internal/render"
	"github.com/kalambet/voxdeck/internal/storage"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit <audio-file>",
	Short: "Upload an audio recording and queue it for processing",
	Long: `Upload an audio recording and queue it for processing.

Examples:
  voxdeck submit talk.mp3
  voxdeck submit memo.ogg --wait`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")
		interval, _ := cmd.Flags().GetDuration("interval")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		resp, err := client.upload(ctx, args[0])
		if err != nil {
			return err
		}
		var created struct {
			TaskID  string `json:"task_id"`
			Message string `json:"message"`
		}
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}
		printSuccess("Queued task %s", created.TaskID)

		if !wait {
			return nil
		}
		printStep("Waiting for %s", created.TaskID)
		task, err := waitForTask(ctx, client, created.TaskID, interval)
		if err != nil {
			return err
		}
		printTask(task)
		if task.Status == string(storage.StatusFailed) {
			return fmt.Errorf("task %s failed", task.TaskID)
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().Bool("wait", false, "wait until the run finishes")
	submitCmd.Flags().Duration("interval", 2*time.Second, "status poll interval with --wait")
}

func fetchTask(ctx context.Context, client *apiClient, id string) (api.TaskResponse, error) {
	resp, err := client.get(ctx, "/task/"+url.PathEscape(id))
	if err != nil {
		return api.TaskResponse{}, err
	}
	var task api.TaskResponse
	if err := decodeJSON(resp, &task); err != nil {
		return api.TaskResponse{}, err
	}
	return task, nil
}

func waitForTask(ctx context.Context, client *apiClient, id string, interval time.Duration) (api.TaskResponse, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	for {
		task, err := fetchTask(ctx, client, id)
		if err != nil {
			return api.TaskResponse{}, err
		}
		if storage.RunStatus(task.Status).Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return api.TaskResponse{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func printTask(task api.TaskResponse) {
	printStatus("Task", "%s", task.TaskID)
	printStatus("Status", "%s", statusLabel(task.Status))

	res := task.Result
	if res == nil {
		return
	}
	if res.Title != "" {
		printStatus("Title", "%s", res.Title)
	}
	if res.SlideCount > 0 {
		printStatus("Slides", "%d", res.SlideCount)
	}
	if res.Renderer != "" {
		printStatus("Renderer", "%s", res.Renderer)
	}
	if res.Extraction != nil && res.Extraction.Model != "" {
		printStatus("Model", "%s", res.Extraction.Model)
	}
	if res.Filename != "" {
		printStatus("Deck", "%s", res.Filename)
	}
	if res.ConvertedFilename != "" {
		printStatus("PDF", "%s", res.ConvertedFilename)
	}
	for _, uri := range res.MirrorURIs {
		printStatus("Mirror", "%s", uri)
	}
	if d := res.Delivery; d != nil && d.Attempted {
		state := "delivered"
		if !d.Delivered {
			state = "not delivered"
		}
		printStatus("Delivery", "%s to %s", state, d.Recipient)
	}
	if res.Degraded {
		printWarning("Extraction failed on every model; the deck is an error notice")
	}
	if res.Error != nil {
		printError("%s: %s", res.Error.Kind, res.Error.Message)
	}
}

func statusLabel(status string) string {
	switch storage.RunStatus(status) {
	case storage.StatusSucceeded:
		return colorize(colorGreen, status)
	case storage.StatusFailed:
		return colorize(colorRed, status)
	default:
		return colorize(colorYellow, status)
	}
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show the status and result of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		task, err := fetchTask(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}

		if asJSON {
			return writeJSON(cmd.OutOrStdout(), task)
		}
		printTask(task)
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "print the raw task JSON")
}

// --- download ---

var downloadCmd = &cobra.Command{
	Use:   "download <filename>",
	Short: "Download a generated deck or PDF",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		out, _ := cmd.Flags().GetString("output")
		if out == "" {
			out = filepath.Base(name)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		n, err := downloadTo(cmd.Context(), client, name, out)
		if err != nil {
			return err
		}
		printSuccess("Saved %s (%d bytes)", out, n)
		return nil
	},
}

func init() {
	downloadCmd.Flags().StringP("output", "o", "", "destination path (default: the file name)")
}

func downloadTo(ctx context.Context, client *apiClient, name, dest string) (int64, error) {
	resp, err := client.get(ctx, "/download/"+url.PathEscape(name))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErrorMessage(body))
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", tmp, err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("writing %s: %w", dest, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return n, nil
}

// --- inspect ---

var inspectCmd = &cobra.Command{
	Use:   "inspect <deck.pptx>",
	Short: "Print the slide outline of a generated deck",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		outline, err := render.ReadOutline(args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), outline)
		}
		printOutline(cmd.OutOrStdout(), outline)
		return nil
	},
}

func init() {
	inspectCmd.Flags().Bool("json", false, "print the outline as JSON")
}

func printOutline(w io.Writer, o render.Outline) {
	fmt.Fprintln(w, colorize(colorBold, o.Title))
	for i, s := range o.Slides {
		fmt.Fprintf(w, "\n%d. %s\n", i+1, colorize(colorCyan, s.Title))
		for _, b := range s.Bullets {
			fmt.Fprintf(w, "   • %s\n", b)
		}
		if s.Notes != "" {
			fmt.Fprintf(w, "   notes: %s\n", s.Notes)
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", config.ConfigFilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
