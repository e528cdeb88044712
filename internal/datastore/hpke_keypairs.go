package datastore

import (
	"context"
	"fmt"

	"github.com/abetterinternet/janus-sub000/internal/codec"
)

const tableGlobalHPKEKeypairs = "global_hpke_keypairs"

func hpkeKeypairStateToSQL(s HpkeKeypairState) string {
	switch s {
	case HpkeKeypairActive:
		return "active"
	case HpkeKeypairExpired:
		return "expired"
	default:
		return "pending"
	}
}

func hpkeKeypairStateFromSQL(s string) HpkeKeypairState {
	switch s {
	case "active":
		return HpkeKeypairActive
	case "expired":
		return HpkeKeypairExpired
	default:
		return HpkeKeypairPending
	}
}

// PutGlobalHpkeKeypair inserts a new global HPKE keypair in the pending
// state, encrypting its private key bound to its own config id.
func (d *Datastore) PutGlobalHpkeKeypair(ctx context.Context, kp *GlobalHpkeKeypair) error {
	return d.RunInTransaction(ctx, "put_global_hpke_keypair", func(ctx context.Context, tx *Transaction) error {
		ct, err := d.crypter.Encrypt(tableGlobalHPKEKeypairs, []byte{kp.ConfigID}, "private_key", kp.PrivateKey)
		if err != nil {
			return err
		}
		err = tx.exec(func() error {
			_, err := tx.tx.ExecContext(ctx,
				`INSERT INTO global_hpke_keypairs (config_id, config, private_key, state, created_at, updated_at)
				 VALUES ($1,$2,$3,$4,$5,$5)`,
				kp.ConfigID, []byte(kp.Config), ct, hpkeKeypairStateToSQL(HpkeKeypairPending), kp.CreatedAt)
			return err
		})
		if err != nil {
			if isUniqueViolation(err) {
				return &MutationTargetAlreadyExistsError{Op: "put_global_hpke_keypair"}
			}
			return fmt.Errorf("datastore: put_global_hpke_keypair: %w", err)
		}
		return nil
	})
}

// GetGlobalHpkeKeypairs reads every configured global HPKE keypair.
func (d *Datastore) GetGlobalHpkeKeypairs(ctx context.Context) ([]*GlobalHpkeKeypair, error) {
	var kps []*GlobalHpkeKeypair
	err := d.RunInTransaction(ctx, "get_global_hpke_keypairs", func(ctx context.Context, tx *Transaction) error {
		kps = nil
		rows, err := d.queryRows(ctx, tx,
			`SELECT config_id, config, private_key, state, created_at, updated_at
			 FROM global_hpke_keypairs ORDER BY config_id`)
		if err != nil {
			return fmt.Errorf("datastore: get_global_hpke_keypairs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var configID byte
			var cfg, ct []byte
			var state string
			kp := &GlobalHpkeKeypair{}
			if err := rows.Scan(&configID, &cfg, &ct, &state, &kp.CreatedAt, &kp.UpdatedAt); err != nil {
				return err
			}
			kp.ConfigID = configID
			kp.Config = codec.Encoded(cfg)
			kp.State = hpkeKeypairStateFromSQL(state)
			pt, err := d.crypter.Decrypt(tableGlobalHPKEKeypairs, []byte{configID}, "private_key", ct)
			if err != nil {
				return ErrCryptDecryptionFailed
			}
			kp.PrivateKey = pt
			kps = append(kps, kp)
		}
		return rows.Err()
	})
	return kps, err
}

// SetGlobalHpkeKeypairState transitions a global HPKE keypair's lifecycle
// state (pending -> active -> expired, spec.md section 3), stamping
// updated_at with the transition time.
func (d *Datastore) SetGlobalHpkeKeypairState(ctx context.Context, configID byte, newState HpkeKeypairState) error {
	return d.RunInTransaction(ctx, "set_global_hpke_keypair_state", func(ctx context.Context, tx *Transaction) error {
		return tx.exec(func() error {
			ct, err := tx.tx.ExecContext(ctx,
				`UPDATE global_hpke_keypairs SET state = $2, updated_at = now() WHERE config_id = $1`,
				configID, hpkeKeypairStateToSQL(newState))
			if err != nil {
				return err
			}
			affected, err := ct.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return &MutationTargetNotFoundError{Op: "set_global_hpke_keypair_state"}
			}
			return nil
		})
	})
}

// DeleteGlobalHpkeKeypair removes a global HPKE keypair by config id.
func (d *Datastore) DeleteGlobalHpkeKeypair(ctx context.Context, configID byte) error {
	return d.RunInTransaction(ctx, "delete_global_hpke_keypair", func(ctx context.Context, tx *Transaction) error {
		return tx.exec(func() error {
			ct, err := tx.tx.ExecContext(ctx, `DELETE FROM global_hpke_keypairs WHERE config_id = $1`, configID)
			if err != nil {
				return err
			}
			affected, err := ct.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return &MutationTargetNotFoundError{Op: "delete_global_hpke_keypair"}
			}
			return nil
		})
	})
}
