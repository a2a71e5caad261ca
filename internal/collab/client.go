package collab

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Client talks to execution collaborators (tokens, market contracts,
// rebalance pools, the peg keeper) over NATS request/reply. Amounts travel
// as decimal strings so collaborators in any language can produce them
// without 64-bit truncation.
//
// Reply envelope: {"error": "..."} on failure, {"result": {...}} on success.
type Client struct {
	nc      *nats.Conn
	timeout time.Duration
	log     zerolog.Logger
}

func NewClient(nc *nats.Conn, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{nc: nc, timeout: timeout, log: log}
}

func (c *Client) call(subject string, req, resp interface{}) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request for %s: %w", subject, err)
	}
	msg, err := c.nc.Request(subject, data, c.timeout)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	return decodeReply(subject, msg.Data, resp)
}

func decodeReply(subject string, data []byte, resp interface{}) error {
	var envelope struct {
		Error  string          `json:"error,omitempty"`
		Result json.RawMessage `json:"result,omitempty"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode reply from %s: %w", subject, err)
	}
	if envelope.Error != "" {
		return fmt.Errorf("%s: %s", subject, envelope.Error)
	}
	if resp != nil {
		if err := json.Unmarshal(envelope.Result, resp); err != nil {
			return fmt.Errorf("decode result from %s: %w", subject, err)
		}
	}
	return nil
}

func parseAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s amount %q", field, s)
	}
	return v, nil
}

// ============================================================
// Token surfaces
// ============================================================

type transferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type balanceRequest struct {
	Account string `json:"account"`
}

type amountReply struct {
	Amount string `json:"amount"`
}

// TokenClient implements market.Token against a collaborator token service.
type TokenClient struct {
	c       *Client
	subject string
}

// Token binds a token client to peg.collab.token.<symbol>.
func (c *Client) Token(symbol string) *TokenClient {
	return &TokenClient{c: c, subject: "peg.collab.token." + symbol}
}

func (t *TokenClient) BalanceOf(account string) (*big.Int, error) {
	var reply amountReply
	if err := t.c.call(t.subject+".balance_of", balanceRequest{Account: account}, &reply); err != nil {
		return nil, err
	}
	return parseAmount("balance", reply.Amount)
}

func (t *TokenClient) Transfer(from, to string, amount *big.Int) error {
	return t.c.call(t.subject+".transfer", transferRequest{
		From:   from,
		To:     to,
		Amount: amount.String(),
	}, nil)
}

// StableAssetClient implements market.StableAsset.
type StableAssetClient struct {
	TokenClient
}

// Stable binds the ledger's stable asset client to peg.collab.token.<symbol>.
func (c *Client) Stable(symbol string) *StableAssetClient {
	return &StableAssetClient{TokenClient{c: c, subject: "peg.collab.token." + symbol}}
}

type mintBurnRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

func (s *StableAssetClient) Mint(to string, amount *big.Int) error {
	return s.c.call(s.subject+".mint", mintBurnRequest{Account: to, Amount: amount.String()}, nil)
}

func (s *StableAssetClient) Burn(from string, amount *big.Int) error {
	return s.c.call(s.subject+".burn", mintBurnRequest{Account: from, Amount: amount.String()}, nil)
}

// FTokenClient implements market.FToken for one market's share token.
type FTokenClient struct {
	TokenClient
	navSubject string
}

// FToken binds a share-token client to peg.collab.ftoken.<market>.
func (c *Client) FToken(marketKey string) *FTokenClient {
	base := "peg.collab.ftoken." + marketKey
	return &FTokenClient{
		TokenClient: TokenClient{c: c, subject: base},
		navSubject:  base + ".nav",
	}
}

func (f *FTokenClient) Nav() (*big.Int, error) {
	var reply amountReply
	if err := f.c.call(f.navSubject, struct{}{}, &reply); err != nil {
		return nil, err
	}
	return parseAmount("nav", reply.Amount)
}

// ============================================================
// Market contract
// ============================================================

type redeemRequest struct {
	Amount   string `json:"amount"`
	Receiver string `json:"receiver"`
	MinOut   string `json:"min_out"`
}

type redeemReply struct {
	AmountOut string `json:"amount_out"`
	BonusOut  string `json:"bonus_out"`
}

// ContractClient implements market.Contract for one market.
type ContractClient struct {
	c       *Client
	subject string
}

// Contract binds a redemption client to peg.collab.market.<market>.redeem.
func (c *Client) Contract(marketKey string) *ContractClient {
	return &ContractClient{c: c, subject: "peg.collab.market." + marketKey + ".redeem"}
}

func (m *ContractClient) RedeemFToken(amount *big.Int, receiver string, minOut *big.Int) (*big.Int, *big.Int, error) {
	req := redeemRequest{Amount: amount.String(), Receiver: receiver}
	if minOut != nil {
		req.MinOut = minOut.String()
	}
	var reply redeemReply
	if err := m.c.call(m.subject, req, &reply); err != nil {
		return nil, nil, err
	}
	out, err := parseAmount("amount_out", reply.AmountOut)
	if err != nil {
		return nil, nil, err
	}
	bonus, err := parseAmount("bonus_out", reply.BonusOut)
	if err != nil {
		return nil, nil, err
	}
	return out, bonus, nil
}

// ============================================================
// Rebalance pool
// ============================================================

type withdrawRequest struct {
	Owner     string `json:"owner"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
}

// PoolClient implements market.RebalancePool.
type PoolClient struct {
	c         *Client
	addr      string
	marketKey string
}

// Pool binds a rebalance pool client to peg.collab.pool.<address>.
func (c *Client) Pool(addr, marketKey string) *PoolClient {
	return &PoolClient{c: c, addr: addr, marketKey: marketKey}
}

func (p *PoolClient) Address() string   { return p.addr }
func (p *PoolClient) MarketKey() string { return p.marketKey }

func (p *PoolClient) WithdrawShares(owner string, amount *big.Int, recipient string) error {
	return p.c.call("peg.collab.pool."+p.addr+".withdraw", withdrawRequest{
		Owner:     owner,
		Amount:    amount.String(),
		Recipient: recipient,
	}, nil)
}

// ============================================================
// Peg keeper
// ============================================================

type swapRequest struct {
	TokenIn   string `json:"token_in"`
	TokenOut  string `json:"token_out"`
	AmountIn  string `json:"amount_in"`
	RouteData []byte `json:"route_data,omitempty"`
}

// KeeperClient implements market.PegKeeper.
type KeeperClient struct {
	c    *Client
	addr string
}

// Keeper binds the peg keeper client to peg.collab.keeper.<address>.
func (c *Client) Keeper(addr string) *KeeperClient {
	return &KeeperClient{c: c, addr: addr}
}

func (k *KeeperClient) Address() string { return k.addr }

func (k *KeeperClient) OnSwap(tokenIn, tokenOut string, amountIn *big.Int, routeData []byte) (*big.Int, error) {
	var reply amountReply
	err := k.c.call("peg.collab.keeper."+k.addr+".swap", swapRequest{
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		AmountIn:  amountIn.String(),
		RouteData: routeData,
	}, &reply)
	if err != nil {
		return nil, err
	}
	return parseAmount("swap output", reply.Amount)
}
