package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/surveyor/pkg/client"
)

var (
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "surveyor-cli",
	Short:   "Submit and inspect benchmarking suites against the surveyor API",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("api-addr", "http://localhost:8081", "Address of the surveyor HTTP API")
	rootCmd.PersistentFlags().String("auth-user", currentUsername(), "Value sent as the AUTH_USER header")

	rootCmd.AddCommand(createSuiteCmd)
	rootCmd.AddCommand(listSuitesCmd)
	rootCmd.AddCommand(getSuiteCmd)
	rootCmd.AddCommand(getTaskCmd)
	rootCmd.AddCommand(pauseSuiteCmd)
	rootCmd.AddCommand(resumeSuiteCmd)
	rootCmd.AddCommand(deleteSuiteCmd)
}

func currentUsername() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}

func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("api-addr")
	authUser, _ := cmd.Flags().GetString("auth-user")
	return client.NewClient(addr, authUser)
}

// keyValues parses repeated "key=value" flag values into a map.
func keyValues(pairs []string) (map[string]string, error) {
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("%q is not a valid key=value argument", pair)
		}
		params[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return params, nil
}

var createSuiteCmd = &cobra.Command{
	Use:   "createSuite",
	Short: "Register a new benchmarking suite and optionally start it",
	RunE: func(cmd *cobra.Command, args []string) error {
		dockerfilePath, _ := cmd.Flags().GetString("dockerfile")
		paramPairs, _ := cmd.Flags().GetStringArray("param")
		tasksPath, _ := cmd.Flags().GetString("tasks")
		cpuLimit, _ := cmd.Flags().GetInt("cpulimit")
		memLimit, _ := cmd.Flags().GetInt64("memlimit")
		timeout, _ := cmd.Flags().GetInt("timeout")
		description, _ := cmd.Flags().GetString("description")
		run, _ := cmd.Flags().GetBool("run")

		dockerfile, err := os.ReadFile(dockerfilePath)
		if err != nil {
			return fmt.Errorf("read dockerfile: %w", err)
		}

		params, err := keyValues(paramPairs)
		if err != nil {
			return err
		}

		tasksData, err := os.ReadFile(tasksPath)
		if err != nil {
			return fmt.Errorf("read tasks file: %w", err)
		}
		var tasks []string
		if err := json.Unmarshal(tasksData, &tasks); err != nil {
			return fmt.Errorf("tasks file must be a JSON array of strings: %w", err)
		}

		c := apiClient(cmd)
		suite, err := c.CreateSuite(cmd.Context(), client.CreateSuiteRequest{
			Description:   description,
			Dockerfile:    string(dockerfile),
			Params:        params,
			CPULimit:      cpuLimit,
			MemoryLimit:   memLimit,
			CPUTimeLimit:  timeout,
			WallTimeLimit: timeout,
			Tasks:         tasks,
		})
		if err != nil {
			return fmt.Errorf("create suite: %w", err)
		}

		fmt.Printf("Benchmarking suite registered with ID %d.\n", suite.ID)
		if run {
			fmt.Println("Suite evaluation has started.")
			return nil
		}
		if err := c.PauseSuite(cmd.Context(), suite.ID); err != nil {
			return fmt.Errorf("pause newly created suite: %w", err)
		}
		fmt.Printf("Suite evaluation was not started. You can start it via 'surveyor-cli resume --id %d'.\n", suite.ID)
		return nil
	},
}

func init() {
	createSuiteCmd.Flags().String("dockerfile", "", "Dockerfile specifying the runtime environment")
	createSuiteCmd.Flags().StringArray("param", nil, "Docker build ARGs passed to the Dockerfile, as key=value")
	createSuiteCmd.Flags().String("tasks", "", "JSON file containing a list of task command strings")
	createSuiteCmd.Flags().IntP("cpulimit", "c", 1, "Per-task CPU core limit")
	createSuiteCmd.Flags().IntP("timeout", "t", 3600, "Per-task timeout in seconds (applied to both CPU time and wall time)")
	createSuiteCmd.Flags().Int64P("memlimit", "m", 1024*1024*1024, "Per-task memory limit in bytes")
	createSuiteCmd.Flags().StringP("description", "d", "", "Evaluation suite description")
	createSuiteCmd.Flags().BoolP("run", "r", false, "Start evaluation immediately instead of leaving the suite paused")
	_ = createSuiteCmd.MarkFlagRequired("dockerfile")
	_ = createSuiteCmd.MarkFlagRequired("tasks")
	_ = createSuiteCmd.MarkFlagRequired("description")
}

var listSuitesCmd = &cobra.Command{
	Use:   "listSuites",
	Short: "List benchmarking suites",
	RunE: func(cmd *cobra.Command, args []string) error {
		suites, err := apiClient(cmd).ListSuites(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(suites)
	},
}

var getSuiteCmd = &cobra.Command{
	Use:   "getSuite",
	Short: "Show a suite's detail, tasks included",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetInt64("id")
		raw, err := apiClient(cmd).GetSuite(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printRawJSON(raw)
	},
}

var getTaskCmd = &cobra.Command{
	Use:   "getTask",
	Short: "Show a task's detail",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetInt64("id")
		raw, err := apiClient(cmd).GetTask(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printRawJSON(raw)
	},
}

var pauseSuiteCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause a suite's pending tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetInt64("id")
		return apiClient(cmd).PauseSuite(cmd.Context(), id)
	},
}

var resumeSuiteCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a suite's created tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetInt64("id")
		return apiClient(cmd).ResumeSuite(cmd.Context(), id)
	},
}

var deleteSuiteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Cascade-delete a suite",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetInt64("id")
		return apiClient(cmd).DeleteSuite(cmd.Context(), id)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{getSuiteCmd, getTaskCmd, pauseSuiteCmd, resumeSuiteCmd, deleteSuiteCmd} {
		cmd.Flags().Int64P("id", "i", 0, "Suite or task id")
		_ = cmd.MarkFlagRequired("id")
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printRawJSON(raw json.RawMessage) error {
	var buf strings.Builder
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}
