package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/0xRichardL/vibe-voter/internal/domain"
)

// Wallet broadcasts votes through a wallet daemon that holds the signing
// keys. Actor credentials are imported on first use and never logged.
type Wallet struct {
	t        Transport
	password string

	mu       sync.Mutex
	unlocked bool
	imported map[string]bool
}

func NewWallet(t Transport, password string) *Wallet {
	return &Wallet{t: t, password: password, imported: make(map[string]bool)}
}

func (w *Wallet) Close() error {
	return w.t.Close()
}

func (w *Wallet) prepare(ctx context.Context, voter domain.Actor) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.unlocked && w.password != "" {
		if err := w.t.Call(ctx, "unlock", []any{w.password}, nil); err != nil {
			var rpcErr *RPCError
			if !errors.As(err, &rpcErr) || !strings.Contains(rpcErr.Message, "must be locked") {
				return fmt.Errorf("unlock wallet: %w", err)
			}
		}
		w.unlocked = true
	}
	if !w.imported[voter.Name] && voter.Credential != "" {
		if err := w.t.Call(ctx, "import_key", []any{voter.Credential}, nil); err != nil {
			return fmt.Errorf("import key for %s: %w", voter.Name, redact(err, voter.Credential))
		}
		w.imported[voter.Name] = true
	}
	return nil
}

// Vote casts voter's vote on target. Node rejections come back as
// *domain.SubmitError.
func (w *Wallet) Vote(ctx context.Context, voter domain.Actor, target domain.TargetKey, weight int) error {
	if err := w.prepare(ctx, voter); err != nil {
		return err
	}
	err := w.t.Call(ctx, "vote", []any{voter.Name, target.Author, target.Permlink, weight, true}, nil)
	if err == nil {
		return nil
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		msg := rpcErr.Message
		if len(rpcErr.Data) > 0 {
			msg += " " + string(rpcErr.Data)
		}
		return &domain.SubmitError{Code: ClassifySubmitError(msg), Message: rpcErr.Message}
	}
	return fmt.Errorf("broadcast vote: %w", err)
}

type redactedError struct {
	msg   string
	cause error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.cause }

// redact keeps a credential echoed back by the daemon out of error text.
func redact(err error, secret string) error {
	if secret == "" || !strings.Contains(err.Error(), secret) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), secret, "[redacted]"), cause: err}
}
