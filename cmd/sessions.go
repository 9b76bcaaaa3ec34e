package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zjrosen/convoy/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List persisted sessions",
	RunE:  runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(".convoy", "sessions")
	}

	entries, err := os.ReadDir(dataDir)
	if os.IsNotExist(err) {
		fmt.Println("No sessions found.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading data dir: %w", err)
	}

	var states []session.State
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dataDir, entry.Name())) // #nosec G304 -- listing the configured data dir
		if err != nil {
			continue
		}
		var st session.State
		if err := json.Unmarshal(data, &st); err != nil || st.ID == "" {
			continue
		}
		states = append(states, st)
	}

	if len(states) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].CreatedAt.After(states[j].CreatedAt)
	})

	for _, st := range states {
		fmt.Printf("%s  %s  created %s  agents=%d humans=%d\n",
			st.ID, st.DisplayName,
			st.CreatedAt.Local().Format("2006-01-02 15:04"),
			len(st.Agents), len(st.Humans))
	}
	return nil
}
