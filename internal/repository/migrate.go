package repository

import (
	"context"
	"log/slog"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
	"github.com/pkg/errors"
)

const (
	tableTasks       = "tasks"
	tableFileResults = "file_results"
)

var (
	// TasksColumns holds the columns for the "tasks" table.
	TasksColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString, Size: 36},
		{Name: "status", Type: field.TypeString, Size: 16, Default: "pending"},
		{Name: "total_files", Type: field.TypeInt},
		{Name: "processed_files", Type: field.TypeInt, Default: 0},
		{Name: "failed_files", Type: field.TypeInt, Default: 0},
		{Name: "error_message", Type: field.TypeString, Nullable: true, SchemaType: map[string]string{dialect.Postgres: "text"}},
		{Name: "cancel_requested", Type: field.TypeBool, Default: false},
		{Name: "created_at", Type: field.TypeTime},
		{Name: "updated_at", Type: field.TypeTime},
	}
	// TasksTable holds the schema information for the "tasks" table.
	TasksTable = &schema.Table{
		Name:       tableTasks,
		Columns:    TasksColumns,
		PrimaryKey: []*schema.Column{TasksColumns[0]},
		Indexes: []*schema.Index{
			{
				Name:    "task_status_created_at",
				Unique:  false,
				Columns: []*schema.Column{TasksColumns[1], TasksColumns[7]},
			},
		},
	}
	// FileResultsColumns holds the columns for the "file_results" table.
	FileResultsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeInt, Increment: true},
		{Name: "task_id", Type: field.TypeString, Size: 36},
		{Name: "seq", Type: field.TypeInt},
		{Name: "filename", Type: field.TypeString},
		{Name: "status", Type: field.TypeString, Size: 16, Default: "pending"},
		{Name: "document_key", Type: field.TypeString},
		{Name: "error_kind", Type: field.TypeString, Nullable: true, Size: 32},
		{Name: "error_message", Type: field.TypeString, Nullable: true, SchemaType: map[string]string{dialect.Postgres: "text"}},
		{Name: "extracted_data", Type: field.TypeJSON, Nullable: true},
		{Name: "attempts", Type: field.TypeInt, Default: 0},
		{Name: "created_at", Type: field.TypeTime},
		{Name: "updated_at", Type: field.TypeTime},
	}
	// FileResultsTable holds the schema information for the "file_results" table.
	FileResultsTable = &schema.Table{
		Name:       tableFileResults,
		Columns:    FileResultsColumns,
		PrimaryKey: []*schema.Column{FileResultsColumns[0]},
		ForeignKeys: []*schema.ForeignKey{
			{
				Symbol:     "file_results_tasks_files",
				Columns:    []*schema.Column{FileResultsColumns[1]},
				RefColumns: []*schema.Column{TasksColumns[0]},
				OnDelete:   schema.Cascade,
			},
		},
		Indexes: []*schema.Index{
			{
				Name:    "fileresult_task_id_filename",
				Unique:  true,
				Columns: []*schema.Column{FileResultsColumns[1], FileResultsColumns[3]},
			},
			{
				Name:    "fileresult_task_id_seq",
				Unique:  false,
				Columns: []*schema.Column{FileResultsColumns[1], FileResultsColumns[2]},
			},
			{
				Name:    "fileresult_status",
				Unique:  false,
				Columns: []*schema.Column{FileResultsColumns[4]},
			},
		},
	}
	// Tables holds all the tables in the schema.
	Tables = []*schema.Table{
		TasksTable,
		FileResultsTable,
	}
)

func init() {
	FileResultsTable.ForeignKeys[0].RefTable = TasksTable
}

// Migrate creates or upgrades the tasks and file_results tables.
func Migrate(ctx context.Context, db *DB, logger *slog.Logger) error {
	logger.Info("running schema migration", "dialect", db.Dialect())
	m, err := schema.NewMigrate(db.Driver, schema.WithForeignKeys(true))
	if err != nil {
		return errors.Wrap(err, "create migrator")
	}
	if err := m.Create(ctx, Tables...); err != nil {
		logger.Error("schema migration failed", "error", err)
		return errors.Wrap(err, "migrate schema")
	}
	logger.Info("schema migration complete")
	return nil
}
