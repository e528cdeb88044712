package datastore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/abetterinternet/janus-sub000/internal/codec"
)

// maxTaskSatelliteFanout bounds how many satellite-row statements (auth
// tokens, HPKE keypairs, VDAF verify keys) PutTask issues concurrently, since
// a task's token/key counts are caller-controlled and otherwise unbounded.
const maxTaskSatelliteFanout = 8

const (
	tableTasks                = "tasks"
	tableTaskAggregatorTokens = "task_aggregator_auth_tokens"
	tableTaskCollectorTokens  = "task_collector_auth_tokens"
	tableTaskHPKEKeys         = "task_hpke_keys"
	tableTaskVDAFVerifyKeys   = "task_vdaf_verify_keys"
)

// satelliteAAD builds the row-binding used for a Task's satellite rows: the
// task id concatenated with the big-endian ordinal (token index, HPKE config
// id, or verify-key index) that row occupies, so ciphertexts cannot be
// replayed into a different ordinal slot even within the same task.
func satelliteAAD(taskID [32]byte, ord uint64) []byte {
	buf := make([]byte, 32+8)
	copy(buf, taskID[:])
	binary.BigEndian.PutUint64(buf[32:], ord)
	return buf
}

// PutTask inserts a new task and its satellite rows (auth tokens, HPKE
// keypairs, VDAF verify keys) as concurrent statements within one
// transaction (the task row plus one insert per satellite row), fanned out with an errgroup the way the teacher's CreateIssue
// fans out its companion-table inserts, and drained through the operation
// group so a conflict on any one insert cannot be masked by an aborted-
// transaction error from the others.
func (d *Datastore) PutTask(ctx context.Context, task *Task) error {
	return d.RunInTransaction(ctx, "put_task", func(ctx context.Context, tx *Transaction) error {
		return d.putTaskTx(ctx, tx, task)
	})
}

func (d *Datastore) putTaskTx(ctx context.Context, tx *Transaction, task *Task) error {
	g, ctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(maxTaskSatelliteFanout)

	g.Go(func() error {
		return tx.exec(func() error {
			_, err := tx.tx.ExecContext(ctx,
				`INSERT INTO tasks (task_id, aggregator_endpoints, query_type, role,
					max_batch_query_count, task_expiration, report_expiry_age,
					min_batch_size, time_precision, tolerated_clock_skew,
					collector_hpke_config)
				 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
				task.ID[:], task.AggregatorEndpoints, int(task.QueryType), int(task.Role),
				task.MaxBatchQueryCount, task.TaskExpiration, task.ReportExpiryAge,
				task.MinBatchSize, task.TimePrecision, task.ToleratedClockSkew,
				[]byte(task.CollectorHPKEConfig))
			return err
		})
	})

	for i, tok := range task.AggregatorAuthTokens {
		i, tok := i, tok
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			ct, err := d.crypter.Encrypt(tableTaskAggregatorTokens, satelliteAAD(task.ID, uint64(i)), "token", tok)
			if err != nil {
				return err
			}
			return tx.exec(func() error {
				_, err := tx.tx.ExecContext(ctx,
					`INSERT INTO task_aggregator_auth_tokens (task_id, ord, token) VALUES ($1,$2,$3)`,
					task.ID[:], i, ct)
				return err
			})
		})
	}

	for i, tok := range task.CollectorAuthTokens {
		i, tok := i, tok
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			ct, err := d.crypter.Encrypt(tableTaskCollectorTokens, satelliteAAD(task.ID, uint64(i)), "token", tok)
			if err != nil {
				return err
			}
			return tx.exec(func() error {
				_, err := tx.tx.ExecContext(ctx,
					`INSERT INTO task_collector_auth_tokens (task_id, ord, token) VALUES ($1,$2,$3)`,
					task.ID[:], i, ct)
				return err
			})
		})
	}

	for _, kp := range task.HPKEKeys {
		kp := kp
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			ct, err := d.crypter.Encrypt(tableTaskHPKEKeys, satelliteAAD(task.ID, uint64(kp.ConfigID)), "private_key", kp.PrivateKey)
			if err != nil {
				return err
			}
			return tx.exec(func() error {
				_, err := tx.tx.ExecContext(ctx,
					`INSERT INTO task_hpke_keys (task_id, config_id, config, private_key) VALUES ($1,$2,$3,$4)`,
					task.ID[:], kp.ConfigID, []byte(kp.Config), ct)
				return err
			})
		})
	}

	for i, vk := range task.VDAFVerifyKeys {
		i, vk := i, vk
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			ct, err := d.crypter.Encrypt(tableTaskVDAFVerifyKeys, satelliteAAD(task.ID, uint64(i)), "verify_key", vk)
			if err != nil {
				return err
			}
			return tx.exec(func() error {
				_, err := tx.tx.ExecContext(ctx,
					`INSERT INTO task_vdaf_verify_keys (task_id, ord, verify_key) VALUES ($1,$2,$3)`,
					task.ID[:], i, ct)
				return err
			})
		})
	}

	if err := g.Wait(); err != nil {
		if isUniqueViolation(err) {
			return &MutationTargetAlreadyExistsError{Op: "put_task"}
		}
		return fmt.Errorf("datastore: put_task: %w", err)
	}
	return nil
}

// GetTask reads a task and all of its satellite rows, decrypting each
// secret column with the binding it was encrypted under.
func (d *Datastore) GetTask(ctx context.Context, taskID [32]byte) (*Task, error) {
	var task *Task
	err := d.RunInTransaction(ctx, "get_task", func(ctx context.Context, tx *Transaction) error {
		t, err := d.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	return task, err
}

func (d *Datastore) getTaskTx(ctx context.Context, tx *Transaction, taskID [32]byte) (*Task, error) {
	task := &Task{ID: taskID}

	err := tx.exec(func() error {
		var queryType, role int
		row := tx.tx.QueryRowContext(ctx,
			`SELECT aggregator_endpoints, query_type, role, max_batch_query_count,
				task_expiration, report_expiry_age, min_batch_size, time_precision,
				tolerated_clock_skew, collector_hpke_config
			 FROM tasks WHERE task_id = $1`, taskID[:])
		var collectorHPKE []byte
		if err := row.Scan(&task.AggregatorEndpoints, &queryType, &role, &task.MaxBatchQueryCount,
			&task.TaskExpiration, &task.ReportExpiryAge, &task.MinBatchSize, &task.TimePrecision,
			&task.ToleratedClockSkew, &collectorHPKE); err != nil {
			return err
		}
		task.QueryType = QueryType(queryType)
		task.Role = Role(role)
		task.CollectorHPKEConfig = codec.Encoded(collectorHPKE)
		return nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &MutationTargetNotFoundError{Op: "get_task"}
		}
		return nil, fmt.Errorf("datastore: get_task: %w", err)
	}

	var aggTokens, collTokens [][]byte
	var hpkeKeys []TaskHPKEKeypair
	var verifyKeys [][]byte

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rows, err := d.queryRows(ctx, tx, `SELECT ord, token FROM task_aggregator_auth_tokens WHERE task_id = $1 ORDER BY ord`, taskID[:])
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var ord int
			var ct []byte
			if err := rows.Scan(&ord, &ct); err != nil {
				return err
			}
			pt, err := d.crypter.Decrypt(tableTaskAggregatorTokens, satelliteAAD(taskID, uint64(ord)), "token", ct)
			if err != nil {
				return ErrCryptDecryptionFailed
			}
			aggTokens = append(aggTokens, pt)
		}
		return rows.Err()
	})

	g.Go(func() error {
		rows, err := d.queryRows(ctx, tx, `SELECT ord, token FROM task_collector_auth_tokens WHERE task_id = $1 ORDER BY ord`, taskID[:])
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var ord int
			var ct []byte
			if err := rows.Scan(&ord, &ct); err != nil {
				return err
			}
			pt, err := d.crypter.Decrypt(tableTaskCollectorTokens, satelliteAAD(taskID, uint64(ord)), "token", ct)
			if err != nil {
				return ErrCryptDecryptionFailed
			}
			collTokens = append(collTokens, pt)
		}
		return rows.Err()
	})

	g.Go(func() error {
		rows, err := d.queryRows(ctx, tx, `SELECT config_id, config, private_key FROM task_hpke_keys WHERE task_id = $1 ORDER BY config_id`, taskID[:])
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var configID byte
			var cfg, ct []byte
			if err := rows.Scan(&configID, &cfg, &ct); err != nil {
				return err
			}
			pt, err := d.crypter.Decrypt(tableTaskHPKEKeys, satelliteAAD(taskID, uint64(configID)), "private_key", ct)
			if err != nil {
				return ErrCryptDecryptionFailed
			}
			hpkeKeys = append(hpkeKeys, TaskHPKEKeypair{ConfigID: configID, Config: codec.Encoded(cfg), PrivateKey: pt})
		}
		return rows.Err()
	})

	g.Go(func() error {
		rows, err := d.queryRows(ctx, tx, `SELECT ord, verify_key FROM task_vdaf_verify_keys WHERE task_id = $1 ORDER BY ord`, taskID[:])
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var ord int
			var ct []byte
			if err := rows.Scan(&ord, &ct); err != nil {
				return err
			}
			pt, err := d.crypter.Decrypt(tableTaskVDAFVerifyKeys, satelliteAAD(taskID, uint64(ord)), "verify_key", ct)
			if err != nil {
				return ErrCryptDecryptionFailed
			}
			verifyKeys = append(verifyKeys, pt)
		}
		return rows.Err()
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("datastore: get_task: reading satellite rows: %w", err)
	}

	task.AggregatorAuthTokens = aggTokens
	task.CollectorAuthTokens = collTokens
	task.HPKEKeys = hpkeKeys
	task.VDAFVerifyKeys = verifyKeys
	return task, nil
}

// DeleteTask removes a task row. The schema's ON DELETE CASCADE foreign keys
// remove, in the same statement, its satellite rows and every other entity the
// task owns (reports, aggregation and collection jobs, batches, and their
// dependent rows).
func (d *Datastore) DeleteTask(ctx context.Context, taskID [32]byte) error {
	return d.RunInTransaction(ctx, "delete_task", func(ctx context.Context, tx *Transaction) error {
		var affected int64
		err := tx.exec(func() error {
			ct, err := tx.tx.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = $1`, taskID[:])
			if err != nil {
				return err
			}
			affected, err = ct.RowsAffected()
			return err
		})
		if err != nil {
			return fmt.Errorf("datastore: delete_task: %w", err)
		}
		if affected == 0 {
			return &MutationTargetNotFoundError{Op: "delete_task"}
		}
		return nil
	})
}

// queryRows is a small helper that runs a read query through opgroup
// accounting the same way writes do, since reads can also observe a
// transaction-aborted cascade error from a sibling write.
func (d *Datastore) queryRows(ctx context.Context, tx *Transaction, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	err := tx.exec(func() error {
		r, err := tx.tx.QueryContext(ctx, query, args...)
		rows = r
		return err
	})
	return rows, err
}
