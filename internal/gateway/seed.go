package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dohr-michael/tasklink/internal/messages"
	"github.com/dohr-michael/tasklink/internal/storage/sqlstore"
)

// SeedFile is the YAML layout used to preload the development backend.
//
//	tasks:
//	  - title: Release notes
//	    records:
//	      - role: user
//	        content: Draft the notes
//	        user_id: u-1
//	        user_name: ana
//	      - role: assistant
//	        content: Here is a draft.
type SeedFile struct {
	Tasks []SeedTask `yaml:"tasks"`
}

// SeedTask is one task of a seed file.
type SeedTask struct {
	Title   string       `yaml:"title"`
	Records []SeedRecord `yaml:"records"`
}

// SeedRecord is one record of a seeded task.
type SeedRecord struct {
	Role     string `yaml:"role"`
	Content  string `yaml:"content"`
	UserID   string `yaml:"user_id,omitempty"`
	UserName string `yaml:"user_name,omitempty"`
}

// LoadSeed reads a seed file and inserts its tasks when the store holds no
// tasks yet. It returns the number of tasks inserted.
func LoadSeed(ctx context.Context, store *sqlstore.Store, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("parse seed file %s: %w", path, err)
	}

	existing, err := store.ListTasks(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		slog.Debug("store not empty, skipping seed", "tasks", len(existing))
		return 0, nil
	}

	for _, st := range seed.Tasks {
		task, err := store.CreateTask(ctx, st.Title)
		if err != nil {
			return 0, err
		}
		for i, sr := range st.Records {
			role := messages.Role(sr.Role)
			if role == "" {
				role = messages.RoleUser
			}
			if role != messages.RoleUser && role != messages.RoleAssistant {
				return 0, fmt.Errorf("seed task %q record %d: unknown role %q", st.Title, i, sr.Role)
			}
			r := messages.Record{
				TaskID:  messages.TaskID(task.ID),
				Role:    role,
				Content: sr.Content,
				Status:  messages.RecordCompleted,
			}
			if sr.UserID != "" {
				r.Sender = &messages.Sender{UserID: sr.UserID, UserName: sr.UserName}
			}
			if _, err := store.AppendRecord(ctx, r); err != nil {
				return 0, err
			}
		}
	}
	slog.Info("seed loaded", "path", path, "tasks", len(seed.Tasks))
	return len(seed.Tasks), nil
}
