package bitcoin

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/sirupsen/logrus"
)

// Client wraps the node RPC calls the engine needs: block walking for
// ingest and address-indexed search for on-demand activity.
type Client struct {
	RPC    *rpcclient.Client
	Config Config

	params *chaincfg.Params
	logger *logrus.Logger
}

type Config struct {
	Host    string
	User    string
	Pass    string
	Network string // mainnet, testnet3, signet, regtest
}

// NetworkParams resolves a network name to its chain parameters
func NetworkParams(name string) (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "mainnet", "main":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", name)
	}
}

func NewClient(cfg Config, logger *logrus.Logger) (*Client, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	params, err := NetworkParams(cfg.Network)
	if err != nil {
		return nil, err
	}

	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true, // Bitcoin Core only supports HTTP POST mode
		DisableTLS:   true,
	}

	logger.WithField("host", cfg.Host).Info("[Bitcoin] Connecting to RPC")
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, err
	}

	blockCount, err := client.GetBlockCount()
	if err != nil {
		client.Shutdown()
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"height":  blockCount,
		"network": params.Name,
	}).Info("[Bitcoin] Connected to node")

	return &Client{RPC: client, Config: cfg, params: params, logger: logger}, nil
}

func (c *Client) Shutdown() {
	c.RPC.Shutdown()
}

// Params returns the chain parameters addresses are decoded against
func (c *Client) Params() *chaincfg.Params {
	return c.params
}

func (c *Client) GetBlockCount() (int64, error) {
	return c.RPC.GetBlockCount()
}

func (c *Client) GetBlockHash(blockHeight int64) (*chainhash.Hash, error) {
	return c.RPC.GetBlockHash(blockHeight)
}

func (c *Client) GetBlockVerbose(blockHash *chainhash.Hash) (*btcjson.GetBlockVerboseResult, error) {
	return c.RPC.GetBlockVerbose(blockHash)
}

func (c *Client) GetRawTransaction(txHash *chainhash.Hash) (*btcjson.TxRawResult, error) {
	return c.RPC.GetRawTransactionVerbose(txHash)
}

// SearchRawTransactions pages through an address's transactions with
// previous outputs resolved. Requires a node with an address index.
func (c *Client) SearchRawTransactions(address string, skip, count int) ([]*btcjson.SearchRawTransactionsResult, error) {
	decoded, err := btcutil.DecodeAddress(address, c.params)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", address, err)
	}
	return c.RPC.SearchRawTransactionsVerbose(decoded, skip, count, true, false, nil)
}
