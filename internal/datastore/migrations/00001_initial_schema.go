package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upInitialSchema, downInitialSchema)
}

func upInitialSchema(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE EXTENSION IF NOT EXISTS pgcrypto;

		CREATE TABLE tasks (
			task_id                bytea PRIMARY KEY,
			aggregator_endpoints   text[] NOT NULL,
			query_type             smallint NOT NULL,
			role                   smallint NOT NULL,
			max_batch_query_count  bigint NOT NULL,
			task_expiration        timestamptz,
			report_expiry_age      interval,
			min_batch_size         bigint NOT NULL,
			time_precision         interval NOT NULL,
			tolerated_clock_skew   interval NOT NULL,
			collector_hpke_config  bytea NOT NULL
		);

		CREATE TABLE task_aggregator_auth_tokens (
			task_id bytea NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
			ord     integer NOT NULL,
			token   bytea NOT NULL,
			PRIMARY KEY (task_id, ord)
		);

		CREATE TABLE task_collector_auth_tokens (
			task_id bytea NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
			ord     integer NOT NULL,
			token   bytea NOT NULL,
			PRIMARY KEY (task_id, ord)
		);

		CREATE TABLE task_hpke_keys (
			task_id     bytea NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
			config_id   smallint NOT NULL,
			config      bytea NOT NULL,
			private_key bytea NOT NULL,
			PRIMARY KEY (task_id, config_id)
		);

		CREATE TABLE task_vdaf_verify_keys (
			task_id    bytea NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
			ord        integer NOT NULL,
			verify_key bytea NOT NULL,
			PRIMARY KEY (task_id, ord)
		);

		CREATE TABLE client_reports (
			task_id                  bytea NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
			report_id                bytea NOT NULL,
			client_timestamp         timestamptz NOT NULL,
			extension_data           bytea NOT NULL,
			leader_encrypted_input   bytea NOT NULL,
			helper_encrypted_input   bytea,
			aggregation_started      boolean NOT NULL DEFAULT false,
			PRIMARY KEY (task_id, report_id)
		);
		CREATE INDEX client_reports_task_timestamp ON client_reports (task_id, client_timestamp);

		CREATE TABLE aggregation_jobs (
			task_id            bytea NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
			aggregation_job_id bytea NOT NULL,
			aggregation_param  bytea NOT NULL,
			state              text NOT NULL,
			round              bigint NOT NULL DEFAULT 0,
			lease_expiry       timestamptz,
			lease_token        bytea,
			lease_attempts     integer NOT NULL DEFAULT 0,
			PRIMARY KEY (task_id, aggregation_job_id)
		);
		CREATE INDEX aggregation_jobs_lease ON aggregation_jobs (state, lease_expiry);

		CREATE TABLE report_aggregations (
			task_id            bytea NOT NULL,
			aggregation_job_id bytea NOT NULL,
			report_id          bytea NOT NULL,
			client_timestamp   timestamptz NOT NULL,
			ord                bigint NOT NULL,
			state              text NOT NULL,
			prep_state         bytea,
			prep_msg           bytea,
			output_share       bytea,
			error_code         integer,
			PRIMARY KEY (task_id, aggregation_job_id, report_id),
			FOREIGN KEY (task_id, aggregation_job_id)
				REFERENCES aggregation_jobs(task_id, aggregation_job_id) ON DELETE CASCADE
		);

		CREATE TABLE batches (
			task_id                      bytea NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
			batch_interval_start         timestamptz,
			batch_interval_end           timestamptz,
			batch_id                     bytea,
			aggregation_param            bytea NOT NULL,
			state                        text NOT NULL,
			outstanding_aggregation_jobs bigint NOT NULL DEFAULT 0
		);
		CREATE UNIQUE INDEX batches_identity ON batches (
			task_id, aggregation_param,
			coalesce(batch_interval_start, 'epoch'::timestamptz),
			coalesce(batch_interval_end, 'epoch'::timestamptz),
			coalesce(batch_id, '\x00'::bytea)
		);

		CREATE TABLE batch_aggregations (
			task_id              bytea NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
			batch_interval_start timestamptz,
			batch_interval_end   timestamptz,
			batch_id             bytea,
			aggregation_param    bytea NOT NULL,
			aggregate_share      bytea NOT NULL,
			report_count         bigint NOT NULL DEFAULT 0,
			checksum             bytea NOT NULL
		);
		CREATE UNIQUE INDEX batch_aggregations_identity ON batch_aggregations (
			task_id, aggregation_param,
			coalesce(batch_interval_start, 'epoch'::timestamptz),
			coalesce(batch_interval_end, 'epoch'::timestamptz),
			coalesce(batch_id, '\x00'::bytea)
		);

		CREATE TABLE collection_jobs (
			task_id                          bytea NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
			collection_job_id                bytea NOT NULL,
			batch_interval_start             timestamptz,
			batch_interval_end               timestamptz,
			batch_id                         bytea,
			aggregation_param                bytea NOT NULL,
			state                            text NOT NULL,
			leader_aggregate_share           bytea,
			helper_encrypted_aggregate_share bytea,
			report_count                     bigint NOT NULL DEFAULT 0,
			lease_expiry                     timestamptz,
			lease_token                      bytea,
			lease_attempts                   integer NOT NULL DEFAULT 0,
			PRIMARY KEY (task_id, collection_job_id)
		);
		CREATE INDEX collection_jobs_lease ON collection_jobs (state, lease_expiry);

		CREATE TABLE aggregate_share_jobs (
			task_id                bytea NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
			batch_interval_start   timestamptz,
			batch_interval_end     timestamptz,
			batch_id               bytea,
			aggregation_param      bytea NOT NULL,
			helper_aggregate_share bytea NOT NULL,
			report_count           bigint NOT NULL DEFAULT 0,
			checksum               bytea NOT NULL
		);
		CREATE UNIQUE INDEX aggregate_share_jobs_identity ON aggregate_share_jobs (
			task_id, aggregation_param,
			coalesce(batch_interval_start, 'epoch'::timestamptz),
			coalesce(batch_interval_end, 'epoch'::timestamptz),
			coalesce(batch_id, '\x00'::bytea)
		);

		CREATE TABLE outstanding_batches (
			task_id  bytea NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
			batch_id bytea NOT NULL,
			PRIMARY KEY (task_id, batch_id)
		);

		CREATE TABLE global_hpke_keypairs (
			config_id   smallint PRIMARY KEY,
			config      bytea NOT NULL,
			private_key bytea NOT NULL,
			created_at  timestamptz NOT NULL DEFAULT now()
		);
	`)
	return err
}

func downInitialSchema(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		DROP TABLE IF EXISTS global_hpke_keypairs;
		DROP TABLE IF EXISTS outstanding_batches;
		DROP TABLE IF EXISTS aggregate_share_jobs;
		DROP TABLE IF EXISTS collection_jobs;
		DROP TABLE IF EXISTS batch_aggregations;
		DROP TABLE IF EXISTS batches;
		DROP TABLE IF EXISTS report_aggregations;
		DROP TABLE IF EXISTS aggregation_jobs;
		DROP TABLE IF EXISTS client_reports;
		DROP TABLE IF EXISTS task_vdaf_verify_keys;
		DROP TABLE IF EXISTS task_hpke_keys;
		DROP TABLE IF EXISTS task_collector_auth_tokens;
		DROP TABLE IF EXISTS task_aggregator_auth_tokens;
		DROP TABLE IF EXISTS tasks;
	`)
	return err
}
