package chain

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// polygon's validator set contract emits SignerChange-style events whose
// fourth topic carries the validator signer address.
var validatorSignerTopic = common.HexToHash("0x4dfe1bbbcf077ddc3e01291eea2d5c70c2b422b415d95645b9adcfd678cb1d63")

type Client struct {
	RPC *ethclient.Client

	mu            sync.Mutex
	contractCache map[string]bool
}

// NewClient connects to an EVM JSON-RPC endpoint and verifies the connection
// by asking for the chain id.
func NewClient(rpcURL string) (*Client, error) {
	log.Printf("Connecting to EVM RPC at %s...", rpcURL)
	rpc, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, err
	}

	chainID, err := rpc.ChainID(context.Background())
	if err != nil {
		rpc.Close()
		return nil, err
	}
	log.Printf("Connected to EVM node. Chain ID: %s", chainID)

	return &Client{RPC: rpc, contractCache: make(map[string]bool)}, nil
}

func (c *Client) Close() {
	c.RPC.Close()
}

// ChainID returns the connected chain's id.
func (c *Client) ChainID(ctx context.Context) (int64, error) {
	id, err := c.RPC.ChainID(ctx)
	if err != nil {
		return 0, err
	}
	return id.Int64(), nil
}

// IsContract reports whether every address in the comma-separated cluster has
// deployed code. Results are cached per cluster string; RPC failures leave the
// cluster uncached and report false (an EOA verdict never suppresses on a
// failed lookup).
func (c *Client) IsContract(ctx context.Context, cluster string) bool {
	if cluster == "" {
		return false
	}

	c.mu.Lock()
	cached, ok := c.contractCache[cluster]
	c.mu.Unlock()
	if ok {
		return cached
	}

	allContracts := true
	for _, address := range strings.Split(cluster, ",") {
		if !common.IsHexAddress(address) {
			allContracts = false
			break
		}
		code, err := c.RPC.CodeAt(ctx, common.HexToAddress(address), nil)
		if err != nil {
			log.Printf("[Chain] code lookup for %s: %v", address, err)
			return false
		}
		if len(code) == 0 {
			allContracts = false
			break
		}
	}

	c.mu.Lock()
	c.contractCache[cluster] = allContracts
	c.mu.Unlock()
	return allContracts
}

// IsPolygonValidator checks the receipt of the triggering transaction for a
// validator signer-change event naming an address in the cluster. Lookup
// failures report false.
func (c *Client) IsPolygonValidator(ctx context.Context, cluster, txHash string) bool {
	if txHash == "" {
		return false
	}

	receipt, err := c.RPC.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		log.Printf("[Chain] receipt lookup for %s: %v", txHash, err)
		return false
	}

	lower := strings.ToLower(cluster)
	for _, entry := range receipt.Logs {
		if len(entry.Topics) < 4 || entry.Topics[0] != validatorSignerTopic {
			continue
		}
		// The signer address is the low 20 bytes of the fourth topic.
		signer := common.BytesToAddress(entry.Topics[3].Bytes())
		if strings.Contains(lower, strings.ToLower(signer.Hex())) {
			return true
		}
	}
	return false
}
