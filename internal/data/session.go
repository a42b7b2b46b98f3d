package data

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/devricklin/autoreply/internal/biz/domain"
	"github.com/devricklin/autoreply/internal/biz/repo"
	"github.com/devricklin/autoreply/internal/conf"
	"github.com/devricklin/autoreply/internal/infra/feishu"
)

// SessionPool owns one transport per account for the process lifetime.
// It implements repo.AccountDirectory.
type SessionPool struct {
	timeout time.Duration
	log     zerolog.Logger

	mu       sync.Mutex
	accounts map[string]conf.Account
	sessions map[string]*FeishuTransport
	clients  []*feishu.Client
}

// NewSessionPool creates a pool over the account directory
func NewSessionPool(accounts []conf.Account, timeout time.Duration, log zerolog.Logger) *SessionPool {
	byID := make(map[string]conf.Account, len(accounts))
	for _, acc := range accounts {
		byID[acc.ID] = acc
	}
	return &SessionPool{
		timeout:  timeout,
		log:      log,
		accounts: byID,
		sessions: make(map[string]*FeishuTransport),
	}
}

// Session returns the account's transport, creating it on first use
func (p *SessionPool) Session(ctx context.Context, accountID string) (repo.Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.sessions[accountID]; ok {
		return t, nil
	}

	acc, ok := p.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: account %s not in directory", domain.ErrSessionInvalid, accountID)
	}

	log := p.log.With().Str("account_id", accountID).Logger()
	client := feishu.NewClient(acc.AppID, acc.AppSecret, log)
	t := NewFeishuTransport(client, acc.Handle, p.timeout, log)

	p.sessions[accountID] = t
	p.clients = append(p.clients, client)
	return t, nil
}

// AccountIDs lists the accounts in the directory
func (p *SessionPool) AccountIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.accounts))
	for id := range p.accounts {
		ids = append(ids, id)
	}
	return ids
}

// Close stops every event socket
func (p *SessionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.Close()
	}
}
