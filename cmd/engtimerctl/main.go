package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/zkindustry/eng-timer/internal/apiclient"
	"github.com/zkindustry/eng-timer/internal/engtimer"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("ENGTIMER_BASE_URL", "http://127.0.0.1:8080"), "engtimer base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("ENGTIMER_TOKEN")), "bearer token")
	userID := flag.String("user", strings.TrimSpace(os.Getenv("ENGTIMER_USER")), "user ID")
	timeout := flag.Duration("timeout", durationEnv("ENGTIMER_CTL_TIMEOUT", 15*time.Second), "request timeout")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or ENGTIMER_TOKEN)")
	}
	if strings.TrimSpace(*userID) == "" {
		log.Fatalf("user is required (--user or ENGTIMER_USER)")
	}
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	client := apiclient.NewClient(*baseURL, *token, *userID, &http.Client{Timeout: *timeout})
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, client, args); err != nil {
		log.Fatalf("%s failed: %v", args[0], err)
	}
}

func run(ctx context.Context, client *apiclient.Client, args []string) error {
	switch args[0] {
	case "import":
		summary, err := client.Import(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d added / %d updated\n", summary.Added, summary.Updated)
		for _, failure := range summary.Failures {
			fmt.Printf("failure: %s\n", failure)
		}
		return nil
	case "projects":
		projects, err := client.ListProjects(ctx)
		if err != nil {
			return err
		}
		for _, project := range projects {
			fmt.Printf("%s\t%s\t%s\n", project.ID, project.Name, project.Color)
		}
		return nil
	case "tasks":
		tasks, err := client.ListTasks(ctx)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			fmt.Printf("%s\t%s\t%s\t%s\n", task.ID, task.Title, task.Status, task.ProjectName)
		}
		return nil
	case "logs":
		logs, err := client.ListTimeLogs(ctx)
		if err != nil {
			return err
		}
		for _, entry := range logs {
			end := "running"
			if entry.EndTime != nil {
				end = entry.EndTime.Format(time.RFC3339)
			}
			fmt.Printf("%s\t%s\t%s\t%s\n", entry.ID, entry.ProjectName, entry.StartTime.Format(time.RFC3339), end)
		}
		return nil
	case "start":
		kind, targetID, err := targetArgs(args[1:])
		if err != nil {
			return err
		}
		entry, err := client.StartTimer(ctx, kind, targetID)
		if err != nil {
			return err
		}
		fmt.Printf("started %s (%s)\n", entry.ID, entry.ProjectName)
		return nil
	case "stop":
		entry, err := client.StopTimer(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("stopped %s\n", entry.ID)
		return nil
	case "toggle":
		kind, targetID, err := targetArgs(args[1:])
		if err != nil {
			return err
		}
		result, err := client.ToggleTimer(ctx, kind, targetID)
		if err != nil {
			return err
		}
		if result.Stopped != nil {
			fmt.Printf("stopped %s\n", result.Stopped.ID)
		}
		if result.Started != nil {
			fmt.Printf("started %s (%s)\n", result.Started.ID, result.Started.ProjectName)
		}
		return nil
	case "status":
		status, err := client.TimerStatus(ctx)
		if err != nil {
			return err
		}
		if !status.Running || status.Active == nil {
			fmt.Println("idle")
			return nil
		}
		fmt.Printf("running %s since %s (%s)\n", status.Active.ID, status.Active.StartTime.Format(time.RFC3339), status.Active.ProjectName)
		return nil
	case "config":
		if len(args) >= 2 && args[1] == "put" {
			if len(args) < 3 {
				return fmt.Errorf("usage: config put <file>")
			}
			cfg, err := engtimer.LoadSyncConfigFile(args[2])
			if err != nil {
				return err
			}
			stored, err := client.PutSyncConfig(ctx, cfg)
			if err != nil {
				return err
			}
			return printJSON(stored)
		}
		cfg, err := client.GetSyncConfig(ctx)
		if err != nil {
			return err
		}
		return printJSON(cfg)
	default:
		usage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func targetArgs(args []string) (kind, targetID string, err error) {
	if len(args) != 2 {
		return "", "", fmt.Errorf("usage: <command> project|task <id>")
	}
	kind = strings.TrimSpace(args[0])
	if kind != "project" && kind != "task" {
		return "", "", fmt.Errorf("target kind must be project or task, got %q", kind)
	}
	return kind, strings.TrimSpace(args[1]), nil
}

func printJSON(v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: engtimerctl [flags] <command>

commands:
  import                      pull projects and tasks from the configured databases
  projects                    list projects
  tasks                       list tasks
  logs                        list time logs
  start project|task <id>     start the timer
  stop                        stop the running timer
  toggle project|task <id>    toggle the timer for a target
  status                      show the running timer
  config [put <file>]         show or replace the sync config`)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
