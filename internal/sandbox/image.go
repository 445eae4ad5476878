package sandbox

import (
	"BackstopBootstrapper/internal/state"
	"fmt"
	"sort"

	"github.com/ugorji/go/codec"
)

// BlobName is the store blob the chain image is persisted under.
const BlobName = "sandbox/chain"

var msgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.Canonical = true
	return h
}()

type chainImage struct {
	Balances   map[string]int64 `codec:"balances"`
	Allowances []allowanceImage `codec:"allowances"`
	Pools      []poolImage      `codec:"pools"`
	Backstops  []backstopImage  `codec:"backstops"`
	Factories  []factoryImage   `codec:"factories"`
	Offset     int64            `codec:"clock_offset"`
}

type allowanceImage struct {
	Token      state.Address `codec:"token"`
	From       state.Address `codec:"from"`
	Spender    state.Address `codec:"spender"`
	Amount     int64         `codec:"amount"`
	Expiration uint32        `codec:"expiration"`
}

type poolImage struct {
	Address state.Address   `codec:"address"`
	Tokens  []state.Address `codec:"tokens"`
	Weights []int64         `codec:"weights"`
	Fee     int64           `codec:"fee"`
}

type backstopImage struct {
	Address state.Address                             `codec:"address"`
	Token   state.Address                             `codec:"token"`
	Shares  map[state.Address]map[state.Address]int64 `codec:"shares"`
}

type factoryImage struct {
	Address state.Address   `codec:"address"`
	Pools   []state.Address `codec:"pools"`
}

// Export serializes the chain, including the clock offset, into a blob.
func (c *Chain) Export() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, balances := c.balances.ExportPaths()
	img := chainImage{Balances: balances}

	for k, a := range c.allowances {
		img.Allowances = append(img.Allowances, allowanceImage{
			Token: k.Token, From: k.From, Spender: k.Spender,
			Amount: a.Amount, Expiration: a.Expiration,
		})
	}
	sort.Slice(img.Allowances, func(i, j int) bool {
		a, b := img.Allowances[i], img.Allowances[j]
		if a.Token != b.Token {
			return a.Token < b.Token
		}
		if a.From != b.From {
			return a.From < b.From
		}
		return a.Spender < b.Spender
	})

	for addr, p := range c.pools {
		img.Pools = append(img.Pools, poolImage{Address: addr, Tokens: p.Tokens, Weights: p.Weights, Fee: p.Fee})
	}
	sort.Slice(img.Pools, func(i, j int) bool { return img.Pools[i].Address < img.Pools[j].Address })

	for addr, b := range c.backstops {
		img.Backstops = append(img.Backstops, backstopImage{Address: addr, Token: b.Token, Shares: b.Shares})
	}
	sort.Slice(img.Backstops, func(i, j int) bool { return img.Backstops[i].Address < img.Backstops[j].Address })

	for addr, deployed := range c.factories {
		f := factoryImage{Address: addr}
		for p := range deployed {
			f.Pools = append(f.Pools, p)
		}
		sort.Slice(f.Pools, func(i, j int) bool { return f.Pools[i] < f.Pools[j] })
		img.Factories = append(img.Factories, f)
	}
	sort.Slice(img.Factories, func(i, j int) bool { return img.Factories[i].Address < img.Factories[j].Address })

	c.clock.mu.Lock()
	img.Offset = c.clock.offset
	c.clock.mu.Unlock()

	var buf []byte
	if err := codec.NewEncoderBytes(&buf, msgpackHandle).Encode(&img); err != nil {
		return nil, fmt.Errorf("encode chain image: %w", err)
	}
	return buf, nil
}

// Import replaces the chain state with a blob produced by Export.
func (c *Chain) Import(blob []byte) error {
	var img chainImage
	if err := codec.NewDecoderBytes(blob, msgpackHandle).Decode(&img); err != nil {
		return fmt.Errorf("decode chain image: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.balances.ImportPaths(img.Balances); err != nil {
		return fmt.Errorf("import balances: %w", err)
	}
	c.allowances = make(map[allowanceKey]Allowance, len(img.Allowances))
	for _, a := range img.Allowances {
		c.allowances[allowanceKey{Token: a.Token, From: a.From, Spender: a.Spender}] = Allowance{Amount: a.Amount, Expiration: a.Expiration}
	}
	c.pools = make(map[state.Address]*cometPool, len(img.Pools))
	for _, p := range img.Pools {
		c.pools[p.Address] = &cometPool{Tokens: p.Tokens, Weights: p.Weights, Fee: p.Fee}
	}
	c.backstops = make(map[state.Address]*backstopState, len(img.Backstops))
	for _, b := range img.Backstops {
		bs := &backstopState{Token: b.Token, Shares: b.Shares}
		if bs.Shares == nil {
			bs.Shares = make(map[state.Address]map[state.Address]int64)
		}
		c.backstops[b.Address] = bs
	}
	c.factories = make(map[state.Address]map[state.Address]bool, len(img.Factories))
	for _, f := range img.Factories {
		deployed := make(map[state.Address]bool, len(f.Pools))
		for _, p := range f.Pools {
			deployed[p] = true
		}
		c.factories[f.Address] = deployed
	}

	c.clock.mu.Lock()
	c.clock.offset = img.Offset
	c.clock.mu.Unlock()
	return nil
}
