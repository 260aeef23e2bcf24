package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"secure-code-sandbox/internal/registry"
	"secure-code-sandbox/internal/validator"
)

var (
	serverURL string
	apiKey    string
	timeout   string
	language  string
	memoryMB  int64
	cpuShares int64
)

func main() {
	root := &cobra.Command{
		Use:   "sandboxctl",
		Short: "CLI client for secure-code-sandbox",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SANDBOX_API_KEY"), "API key")

	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute code and wait for the result",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	addExecFlags(execCmd)
	root.AddCommand(execCmd)

	submitCmd := &cobra.Command{
		Use:   "submit [code]",
		Short: "Queue code for execution and print the execution id",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSubmit,
	}
	addExecFlags(submitCmd)
	root.AddCommand(submitCmd)

	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Execute code from a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	addExecFlags(execFileCmd)
	root.AddCommand(execFileCmd)

	root.AddCommand(&cobra.Command{
		Use:   "status [execution-id]",
		Short: "Show the status of an execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	})

	root.AddCommand(&cobra.Command{
		Use:   "cancel [execution-id]",
		Short: "Cancel an execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	})

	root.AddCommand(&cobra.Command{
		Use:   "watch [execution-id]",
		Short: "Stream lifecycle events for an execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	})

	validateCmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a file locally without contacting the server",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}
	validateCmd.Flags().StringVarP(&language, "language", "l", "", "Language (auto-detected from extension)")
	root.AddCommand(validateCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addExecFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&timeout, "timeout", "10s", "Execution timeout")
	cmd.Flags().StringVarP(&language, "language", "l", "python", "Language (python, javascript, shell)")
	cmd.Flags().Int64Var(&memoryMB, "memory", 256, "Memory limit in MB")
	cmd.Flags().Int64Var(&cpuShares, "cpu-shares", 512, "CPU shares (1024 = one core)")
}

func codeFromArgsOrStdin(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}

func runExec(cmd *cobra.Command, args []string) error {
	code, err := codeFromArgsOrStdin(args)
	if err != nil {
		return err
	}
	return executeCode("/execute", code, language)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	code, err := codeFromArgsOrStdin(args)
	if err != nil {
		return err
	}
	return executeCode("/executions", code, language)
}

func runExecFile(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	lang := language
	if lang == "" || lang == "python" {
		if detected := detectLanguage(args[0]); detected != "" {
			lang = detected
		}
	}
	if lang == "" {
		return fmt.Errorf("cannot detect language for %q, use --language flag", args[0])
	}

	return executeCode("/execute", string(data), lang)
}

func executeCode(path, code, lang string) error {
	payload := map[string]any{
		"code":     code,
		"language": lang,
		"timeout":  timeout,
		"limits": map[string]any{
			"memory_mb":  memoryMB,
			"cpu_shares": cpuShares,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := doRequest(http.MethodPost, path, bytes.NewReader(body), 70*time.Second)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	result, err := printJSON(resp.Body)
	if err != nil {
		return err
	}

	// Mirror the sandbox exit code so shell pipelines see failures.
	if exitCode, ok := result["exit_code"].(float64); ok && exitCode != 0 {
		os.Exit(int(exitCode))
	}
	return nil
}

func runStatus(_ *cobra.Command, args []string) error {
	resp, err := doRequest(http.MethodGet, "/executions/"+args[0], nil, 10*time.Second)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, err = printJSON(resp.Body)
	return err
}

func runCancel(_ *cobra.Command, args []string) error {
	resp, err := doRequest(http.MethodDelete, "/executions/"+args[0], nil, 10*time.Second)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, err = printJSON(resp.Body)
	return err
}

func runWatch(_ *cobra.Command, args []string) error {
	resp, err := doRequest(http.MethodGet, "/executions/"+args[0]+"/events", nil, 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, err = printJSON(resp.Body)
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			fmt.Println(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return scanner.Err()
}

func runValidate(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	lang := language
	if lang == "" {
		lang = detectLanguage(args[0])
	}
	if lang == "" {
		return fmt.Errorf("cannot detect language for %q, use --language flag", args[0])
	}

	verdict := validator.New(registry.New()).Validate(string(data), lang)
	if verdict.Accepted {
		fmt.Println("ok")
		return nil
	}

	for _, v := range verdict.Violations {
		fmt.Fprintln(os.Stderr, v.String())
	}
	return fmt.Errorf("%d violation(s)", len(verdict.Violations))
}

func runHealth(_ *cobra.Command, _ []string) error {
	resp, err := doRequest(http.MethodGet, "/health", nil, 10*time.Second)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	_, err = printJSON(resp.Body)
	return err
}

func doRequest(method, path string, body io.Reader, timeout time.Duration) (*http.Response, error) {
	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func detectLanguage(path string) string {
	switch {
	case strings.HasSuffix(path, ".py"):
		return "python"
	case strings.HasSuffix(path, ".js"), strings.HasSuffix(path, ".mjs"):
		return "javascript"
	case strings.HasSuffix(path, ".sh"):
		return "shell"
	default:
		return ""
	}
}

func printJSON(r io.Reader) (map[string]any, error) {
	var result map[string]any
	if err := json.NewDecoder(r).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return result, nil
}
