// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	apiURL  string
	output  string
	timeout time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	// .envファイルを読み込む（存在しない場合は無視）
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "keyctl",
		Short: "PII Encryption Service CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("KEYCTL_API_URL")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
		SilenceUsage: true,
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set KEYCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(rotateCmd())
	rootCmd.AddCommand(rotationCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(retireCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(encryptCmd())
	rootCmd.AddCommand(decryptCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(masterCmd())
	rootCmd.AddCommand(backupCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "keyctl version %s\n", version)
		},
	}
}

// callAPI はAPIを呼び出し、wantStatus 以外のステータスはエラーにする。
func callAPI(method, path string, payload any, wantStatus int) ([]byte, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("--api-url is required (or set KEYCTL_API_URL)")
	}

	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, apiURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != wantStatus {
		return nil, handleErrorResponse(resp.StatusCode, body)
	}
	return body, nil
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("Error: %s (%s)", errResp.Message, errResp.Code)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}

// keyView は鍵メタデータの表示用。
type keyView struct {
	KeyID         string  `json:"key_id"`
	KeyType       string  `json:"key_type"`
	Algorithm     string  `json:"algorithm"`
	Writable      bool    `json:"writable"`
	IsActive      bool    `json:"is_active"`
	RotationCount int     `json:"rotation_count"`
	CreatedAt     string  `json:"created_at"`
	ExpiresAt     *string `json:"expires_at"`
	RetiredAt     *string `json:"retired_at"`
}

// rotationView はローテーション状態の表示用。
type rotationView struct {
	ID            string `json:"id"`
	OldKeyID      string `json:"old_key_id"`
	NewKeyID      string `json:"new_key_id"`
	State         string `json:"state"`
	MigratedCount int    `json:"migrated_count"`
	LastError     string `json:"last_error"`
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func printKey(cmd *cobra.Command, body []byte) error {
	if output == "json" {
		fmt.Fprintln(cmd.OutOrStdout(), string(body))
		return nil
	}
	var k keyView
	if err := json.Unmarshal(body, &k); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Key ID:         %s\n", k.KeyID)
	fmt.Fprintf(out, "Type:           %s\n", k.KeyType)
	fmt.Fprintf(out, "Algorithm:      %s\n", k.Algorithm)
	fmt.Fprintf(out, "Writable:       %t\n", k.Writable)
	fmt.Fprintf(out, "Active:         %t\n", k.IsActive)
	fmt.Fprintf(out, "Rotation count: %d\n", k.RotationCount)
	fmt.Fprintf(out, "Created at:     %s\n", k.CreatedAt)
	fmt.Fprintf(out, "Expires at:     %s\n", deref(k.ExpiresAt))
	fmt.Fprintf(out, "Retired at:     %s\n", deref(k.RetiredAt))
	return nil
}

func printRotation(cmd *cobra.Command, body []byte) error {
	if output == "json" {
		fmt.Fprintln(cmd.OutOrStdout(), string(body))
		return nil
	}
	var r rotationView
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rotation %s: %s (%s -> %s, %d records migrated)\n",
		r.ID, r.State, r.OldKeyID, r.NewKeyID, r.MigratedCount)
	if r.LastError != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Last error: %s\n", r.LastError)
	}
	return nil
}

// createCmd は鍵の生成コマンド。
func createCmd() *cobra.Command {
	var keyType, algorithm, ttl string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new key and make it the write key for its purpose",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodPost, "/v1/keys", map[string]string{
				"key_type":  keyType,
				"algorithm": algorithm,
				"ttl":       ttl,
			}, http.StatusCreated)
			if err != nil {
				return err
			}
			return printKey(cmd, body)
		},
	}
	cmd.Flags().StringVar(&keyType, "type", "data", "Key type: data, backup, master")
	cmd.Flags().StringVar(&algorithm, "algorithm", "aes128-gcm", "Algorithm: aes128-gcm, rsa-2048, rsa-4096")
	cmd.Flags().StringVar(&ttl, "ttl", "", "Key lifetime, e.g. 720h (default: per key type)")
	return cmd
}

// listCmd は鍵一覧の取得コマンド。
func listCmd() *cobra.Command {
	var keyType string
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if keyType != "" {
				q.Set("key_type", keyType)
			}
			if activeOnly {
				q.Set("active", "true")
			}
			path := "/v1/keys"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			body, err := callAPI(http.MethodGet, path, nil, http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}

			var result struct {
				Keys []keyView `json:"keys"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-32s %-7s %-11s %-8s %-8s %s\n", "KEY_ID", "TYPE", "ALGORITHM", "WRITABLE", "ACTIVE", "CREATED_AT")
			for _, k := range result.Keys {
				fmt.Fprintf(out, "%-32s %-7s %-11s %-8t %-8t %s\n", k.KeyID, k.KeyType, k.Algorithm, k.Writable, k.IsActive, k.CreatedAt)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyType, "type", "", "Filter by key type")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only active keys")
	return cmd
}

// getCmd は鍵メタデータの取得コマンド。
func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY_ID",
		Short: "Show key metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, "/v1/keys/"+url.PathEscape(args[0]), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printKey(cmd, body)
		},
	}
}

// rotateCmd は鍵のローテーションコマンド。
func rotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate KEY_ID",
		Short: "Rotate a key and re-encrypt all records it protects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodPost, "/v1/keys/"+url.PathEscape(args[0])+"/rotate", nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printRotation(cmd, body)
		},
	}
}

// rotationCmd はローテーション状態の取得コマンド。
func rotationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotation ROTATION_ID",
		Short: "Show rotation progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, "/v1/rotations/"+url.PathEscape(args[0]), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printRotation(cmd, body)
		},
	}
}

// resumeCmd は中断したローテーションの再開コマンド。
func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume ROTATION_ID",
		Short: "Resume an aborted rotation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodPost, "/v1/rotations/"+url.PathEscape(args[0])+"/resume", nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printRotation(cmd, body)
		},
	}
}

// retireCmd は未使用の鍵の退役コマンド。
func retireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retire KEY_ID",
		Short: "Retire a key that no encrypted record references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := callAPI(http.MethodDelete, "/v1/keys/"+url.PathEscape(args[0]), nil, http.StatusNoContent); err != nil {
				return err
			}
			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), "{}")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Retired key %s\n", args[0])
			}
			return nil
		},
	}
}

// statsCmd は集計の表示コマンド。
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show key and encrypted record statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, "/v1/stats", nil, http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}

			var result struct {
				Keys struct {
					Total   int64 `json:"total"`
					Active  int64 `json:"active"`
					Expired int64 `json:"expired"`
					Retired int64 `json:"retired"`
				} `json:"keys"`
				EncryptedRecords int64            `json:"encrypted_records"`
				RecordsByTable   map[string]int64 `json:"records_by_table"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Keys: %d total, %d active, %d expired, %d retired\n",
				result.Keys.Total, result.Keys.Active, result.Keys.Expired, result.Keys.Retired)
			fmt.Fprintf(out, "Encrypted records: %d\n", result.EncryptedRecords)
			for table, n := range result.RecordsByTable {
				fmt.Fprintf(out, "  %-24s %d\n", table, n)
			}
			return nil
		},
	}
}

// encryptCmd はフィールド暗号化コマンド。
func encryptCmd() *cobra.Command {
	var table, column, recordID, method string
	cmd := &cobra.Command{
		Use:   "encrypt VALUE",
		Short: "Encrypt a PII field value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodPost, "/v1/fields/encrypt", map[string]string{
				"table":     table,
				"column":    column,
				"record_id": recordID,
				"value":     args[0],
				"method":    method,
			}, http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}
			var result struct {
				Value string `json:"value"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.Value)
			return nil
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "Source table (required)")
	cmd.Flags().StringVar(&column, "column", "", "Source column (required)")
	cmd.Flags().StringVar(&recordID, "record", "", "Source record ID")
	cmd.Flags().StringVar(&method, "method", "", "Encryption method: symmetric, asymmetric, hybrid")
	cmd.MarkFlagRequired("table")
	cmd.MarkFlagRequired("column")
	return cmd
}

// decryptCmd はトークン復号コマンド。
func decryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt TOKEN",
		Short: "Decrypt an encrypted field token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodPost, "/v1/fields/decrypt", map[string]string{"value": args[0]}, http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}
			var result struct {
				Value   string `json:"value"`
				Outcome string `json:"outcome"`
				Error   string `json:"error"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			if result.Outcome == "failed" {
				return fmt.Errorf("Error: decryption failed (%s)", result.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.Value)
			return nil
		},
	}
}
