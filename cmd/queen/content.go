package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hivecompute/hive/core/mesh/cas"
	"github.com/hivecompute/hive/internal/utils"
)

func newIngestCmd() *cobra.Command {
	var (
		server string
		repoID string
		name   string
	)
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Add a file to the content store",
		Long: "Add a file to the local content store, or upload it to a running Queen with --server.\n" +
			"The local store cannot be opened while a Queen is serving from it.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if name == "" {
				name = filepath.Base(path)
			}
			if server != "" {
				return uploadFile(cmd.Context(), cmd.OutOrStdout(), server, path, name, repoID)
			}
			return ingestLocal(cmd.Context(), cmd.OutOrStdout(), path, name, repoID)
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "dashboard API of a running Queen, e.g. http://localhost:3000")
	cmd.Flags().StringVar(&repoID, "repo-id", "", "tokenizer repository tag stored with the object")
	cmd.Flags().StringVar(&name, "name", "", "catalog name (defaults to the file name)")
	return cmd
}

func newGetCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "get <cid> [out]",
		Short: "Reassemble an object and write it to a file or stdout",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 2 {
				f, err := os.Create(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			if server != "" {
				return downloadObject(cmd.Context(), out, server, args[0])
			}
			return readLocal(cmd.Context(), out, args[0])
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "dashboard API of a running Queen, e.g. http://localhost:3000")
	return cmd
}

func openLocalStore() (*cas.Store, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := utils.NewLogger(cfg.LoggerConfig("queen"))
	store, err := cas.Open(cfg.StoreConfig(), logger)
	if err != nil {
		return nil, nil, err
	}
	return store, logger, nil
}

func ingestLocal(ctx context.Context, w io.Writer, path, name, repoID string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	store, logger, err := openLocalStore()
	if err != nil {
		return err
	}
	defer store.Close()
	defer logger.Sync()

	opts := cas.IngestOptions{Name: name}
	if repoID != "" {
		opts.Tags = map[string]string{"repo_id": repoID}
	}
	res, err := store.Ingest(ctx, f, info.Size(), opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s\t%s\t%d bytes\t%d chunks", res.Object.CID, name, res.Object.Size, res.Object.ChunkCount())
	if res.Deduplicated {
		fmt.Fprint(w, "\t(already stored)")
	}
	fmt.Fprintln(w)
	return nil
}

func readLocal(ctx context.Context, w io.Writer, cid string) error {
	store, logger, err := openLocalStore()
	if err != nil {
		return err
	}
	defer store.Close()
	defer logger.Sync()

	rc, _, err := store.Reader(ctx, cid)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(w, rc)
	return err
}

// uploadFile streams path to /api/upload without buffering it in memory.
func uploadFile(ctx context.Context, w io.Writer, server, path, name, repoID string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if repoID != "" {
				if err := mw.WriteField("repo_id", repoID); err != nil {
					return err
				}
			}
			part, err := mw.CreateFormFile("model", name)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, f); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/api/upload", pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body struct {
		CID          string `json:"cid"`
		Filename     string `json:"filename"`
		Size         int64  `json:"size"`
		Deduplicated bool   `json:"deduplicated"`
		Error        *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if body.Error != nil {
		return fmt.Errorf("upload failed: [%s] %s", body.Error.Code, body.Error.Message)
	}
	fmt.Fprintf(w, "%s\t%s\t%d bytes", body.CID, body.Filename, body.Size)
	if body.Deduplicated {
		fmt.Fprint(w, "\t(already stored)")
	}
	fmt.Fprintln(w)
	return nil
}

func downloadObject(ctx context.Context, w io.Writer, server, cid string) error {
	u := strings.TrimRight(server, "/") + "/api/content/" + url.PathEscape(cid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("download failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, err = io.Copy(w, resp.Body)
	return err
}
