package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/0xRichardL/vibe-voter/internal/domain"
	"github.com/0xRichardL/vibe-voter/libs/numbers"
	"github.com/shopspring/decimal"
)

// TimeLayout is how the node formats timestamps (UTC, no zone suffix).
const TimeLayout = "2006-01-02T15:04:05"

const followType = "blog"

// Client reads ledger state through condenser_api.
type Client struct {
	t Transport
}

func NewClient(t Transport) *Client {
	return &Client{t: t}
}

func (c *Client) Close() error {
	return c.t.Close()
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	return c.t.Call(ctx, "condenser_api."+method, params, result)
}

func parseTime(s string) time.Time {
	t, err := time.ParseInLocation(TimeLayout, strings.TrimSuffix(s, "Z"), time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

// parseAmount reads the numeric part of an asset string such as "1000000.000 SBD".
func parseAmount(s string) (decimal.Decimal, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	return decimal.NewFromString(fields[0])
}

type rawVote struct {
	Voter   string `json:"voter"`
	Percent any    `json:"percent"`
}

type rawContent struct {
	Author              string    `json:"author"`
	Permlink            string    `json:"permlink"`
	ParentAuthor        string    `json:"parent_author"`
	ParentPermlink      string    `json:"parent_permlink"`
	Created             string    `json:"created"`
	CashoutTime         string    `json:"cashout_time"`
	MaxAcceptedPayout   string    `json:"max_accepted_payout"`
	PercentSteemDollars any       `json:"percent_steem_dollars"`
	AuthorReputation    any       `json:"author_reputation"`
	ActiveVotes         []rawVote `json:"active_votes"`
	JSONMetadata        string    `json:"json_metadata"`
}

func tagsFrom(metadata string) []string {
	if metadata == "" {
		return nil
	}
	var meta struct {
		Tags []any `json:"tags"`
	}
	if err := json.Unmarshal([]byte(metadata), &meta); err != nil {
		return nil
	}
	tags := make([]string, 0, len(meta.Tags))
	for _, t := range meta.Tags {
		if s, ok := t.(string); ok {
			tags = append(tags, s)
		}
	}
	return tags
}

func (r rawContent) event() domain.CandidateEvent {
	ev := domain.CandidateEvent{
		Author:                 r.Author,
		Permlink:               r.Permlink,
		ParentAuthor:           r.ParentAuthor,
		ParentPermlink:         r.ParentPermlink,
		Created:                parseTime(r.Created),
		CashoutTime:            parseTime(r.CashoutTime),
		PercentNonNativePayout: int(numbers.ExtractIntOr(r.PercentSteemDollars, 0)),
		AuthorReputation:       numbers.ExtractIntOr(r.AuthorReputation, 0),
		Tags:                   tagsFrom(r.JSONMetadata),
	}
	if r.MaxAcceptedPayout != "" {
		if amount, err := parseAmount(r.MaxAcceptedPayout); err == nil {
			ev.PayoutDeclined = amount.IsZero()
		}
	}
	for _, v := range r.ActiveVotes {
		ev.ActiveVotes = append(ev.ActiveVotes, domain.ActiveVote{
			Voter:   v.Voter,
			Percent: int(numbers.ExtractIntOr(v.Percent, 0)),
		})
	}
	return ev
}

// ErrContentNotFound is returned when the node answers with an empty post.
var ErrContentNotFound = fmt.Errorf("chain: content not found")

func (c *Client) GetContent(ctx context.Context, author, permlink string) (domain.CandidateEvent, error) {
	var raw rawContent
	if err := c.call(ctx, "get_content", []any{author, permlink}, &raw); err != nil {
		return domain.CandidateEvent{}, err
	}
	if raw.Author == "" {
		return domain.CandidateEvent{}, fmt.Errorf("%w: @%s/%s", ErrContentNotFound, author, permlink)
	}
	return raw.event(), nil
}

type rawAccount struct {
	Name        string `json:"name"`
	VotingPower any    `json:"voting_power"`
	PostCount   any    `json:"post_count"`
}

func (c *Client) GetAccounts(ctx context.Context, names []string) ([]domain.Account, error) {
	var raw []rawAccount
	if err := c.call(ctx, "get_accounts", []any{names}, &raw); err != nil {
		return nil, err
	}
	out := make([]domain.Account, 0, len(raw))
	for _, a := range raw {
		out = append(out, domain.Account{
			Name:        a.Name,
			VotingPower: int(numbers.ExtractIntOr(a.VotingPower, 0)),
			PostCount:   int(numbers.ExtractIntOr(a.PostCount, 0)),
		})
	}
	return out, nil
}

type historyEntry struct {
	Timestamp string
	OpType    string
	Voter     string
}

// UnmarshalJSON reads the [index, {timestamp, op: [type, body]}] pair.
func (h *historyEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("history entry has %d elements", len(pair))
	}
	var item struct {
		Timestamp string            `json:"timestamp"`
		Op        []json.RawMessage `json:"op"`
	}
	if err := json.Unmarshal(pair[1], &item); err != nil {
		return err
	}
	h.Timestamp = item.Timestamp
	if len(item.Op) == 2 {
		_ = json.Unmarshal(item.Op[0], &h.OpType)
		var body struct {
			Voter string `json:"voter"`
		}
		_ = json.Unmarshal(item.Op[1], &body)
		h.Voter = body.Voter
	}
	return nil
}

// GetVoteHistory returns when account cast its votes among its last limit
// history entries.
func (c *Client) GetVoteHistory(ctx context.Context, account string, limit int) ([]time.Time, error) {
	var raw []historyEntry
	if err := c.call(ctx, "get_account_history", []any{account, -1, limit}, &raw); err != nil {
		return nil, err
	}
	var out []time.Time
	for _, h := range raw {
		if h.OpType != "vote" || h.Voter != account {
			continue
		}
		if ts := parseTime(h.Timestamp); !ts.IsZero() {
			out = append(out, ts)
		}
	}
	return out, nil
}

type rawFollow struct {
	Follower  string `json:"follower"`
	Following string `json:"following"`
}

func (c *Client) GetFollowing(ctx context.Context, account, start string, limit int) ([]string, error) {
	var raw []rawFollow
	if err := c.call(ctx, "get_following", []any{account, start, followType, limit}, &raw); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, f := range raw {
		out = append(out, f.Following)
	}
	return out, nil
}

func (c *Client) GetFollowers(ctx context.Context, account, start string, limit int) ([]string, error) {
	var raw []rawFollow
	if err := c.call(ctx, "get_followers", []any{account, start, followType, limit}, &raw); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, f := range raw {
		out = append(out, f.Follower)
	}
	return out, nil
}

func (c *Client) GetTrendingReputations(ctx context.Context, limit int) ([]int64, error) {
	var raw []rawContent
	query := map[string]any{"tag": "", "limit": limit}
	if err := c.call(ctx, "get_discussions_by_trending", []any{query}, &raw); err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(raw))
	for _, r := range raw {
		rep, err := numbers.ExtractInt(r.AuthorReputation)
		if err != nil {
			continue
		}
		out = append(out, rep)
	}
	return out, nil
}

func (c *Client) GetLastIrreversibleBlock(ctx context.Context) (uint64, error) {
	var props struct {
		LastIrreversibleBlockNum any `json:"last_irreversible_block_num"`
	}
	if err := c.call(ctx, "get_dynamic_global_properties", []any{}, &props); err != nil {
		return 0, err
	}
	n, err := numbers.ExtractInt(props.LastIrreversibleBlockNum)
	if err != nil {
		return 0, fmt.Errorf("last_irreversible_block_num: %w", err)
	}
	return uint64(n), nil
}

type rawOperation struct {
	Type string
	Body json.RawMessage
}

func (o *rawOperation) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("operation has %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &o.Type); err != nil {
		return err
	}
	o.Body = pair[1]
	return nil
}

type rawBlock struct {
	Timestamp    string `json:"timestamp"`
	Transactions []struct {
		Operations []rawOperation `json:"operations"`
	} `json:"transactions"`
}

// ErrBlockNotFound is returned for blocks the node does not have yet.
var ErrBlockNotFound = fmt.Errorf("chain: block not found")

func (c *Client) GetBlock(ctx context.Context, num uint64) (domain.Block, error) {
	var raw *rawBlock
	if err := c.call(ctx, "get_block", []any{num}, &raw); err != nil {
		return domain.Block{}, err
	}
	if raw == nil {
		return domain.Block{}, fmt.Errorf("%w: %d", ErrBlockNotFound, num)
	}
	block := domain.Block{Number: num, Timestamp: parseTime(raw.Timestamp)}
	for _, tx := range raw.Transactions {
		var out domain.Transaction
		for _, op := range tx.Operations {
			o := domain.Operation{Type: op.Type}
			if op.Type == "comment" {
				var rc rawContent
				if err := json.Unmarshal(op.Body, &rc); err == nil {
					ev := rc.event()
					o.Content = &ev
				}
			}
			out.Operations = append(out.Operations, o)
		}
		block.Transactions = append(block.Transactions, out)
	}
	return block, nil
}
