package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	logger "github.com/kthomas/go-logger"
	"github.com/provideplatform/provide-go/api/vault"
	"github.com/provideplatform/provide-go/common/util"
)

const defaultBlockPollingInterval = time.Second * 1
const defaultWorkerConcurrency = uint64(2)

var (
	// Log is the configured logger
	Log *logger.Logger

	// ConsumeNATSStreamingSubscriptions causes the internal consumers to be configured
	ConsumeNATSStreamingSubscriptions bool

	// ChainRPCURL is the JSON-RPC endpoint of the chain node the service polls and transacts against
	ChainRPCURL string

	// ChainID is the EIP-155 chain id used when signing settlement transactions
	ChainID int64

	// MarketplaceContractAddress is the address of the escrow/marketplace contract
	MarketplaceContractAddress string

	// SenderPrivateKey is the hex-encoded secp256k1 key of the service account; all
	// settlement transactions are signed with this single process-wide key
	SenderPrivateKey string

	// IPFSAPIURL is the endpoint of the content-addressed network store
	IPFSAPIURL string

	// ArtifactBucketURL is the blob bucket used for keyed artifact storage (receipts,
	// witnesses, raw proofs, datasets)
	ArtifactBucketURL string

	// BlockPollingInterval is the chain event listener tick
	BlockPollingInterval time.Duration

	// SetupWorkerConcurrency bounds the number of concurrently processed setup jobs
	SetupWorkerConcurrency uint64

	// OrderWorkerConcurrency bounds the number of concurrently processed order jobs
	OrderWorkerConcurrency uint64

	// WorkingDirectory is the root under which job-scoped toolchain directories are created
	WorkingDirectory string

	// ZoKratesBinPath is the path of the circuit toolchain executable
	ZoKratesBinPath string

	// ZoKratesHomePath is the stdlib location exported to the toolchain subprocess
	ZoKratesHomePath string

	// SolcBinPath is the path of the solidity compiler used for exported verifiers
	SolcBinPath string

	// DefaultVault for this compute node instance
	DefaultVault *vault.Vault
)

func init() {
	godotenv.Load()

	requireLogger()
	requireEnvironment()
}

func requireLogger() {
	lvl := os.Getenv("LOG_LEVEL")
	if lvl == "" {
		lvl = "INFO"
	}

	var endpoint *string
	if os.Getenv("SYSLOG_ENDPOINT") != "" {
		endpt := os.Getenv("SYSLOG_ENDPOINT")
		endpoint = &endpt
	}

	Log = logger.NewLogger("compute-node", lvl, endpoint)
}

func requireEnvironment() {
	ConsumeNATSStreamingSubscriptions = os.Getenv("CONSUME_NATS_STREAMING_SUBSCRIPTIONS") == "true"

	ChainRPCURL = os.Getenv("CHAIN_RPC_URL")
	MarketplaceContractAddress = os.Getenv("MARKETPLACE_CONTRACT_ADDRESS")
	SenderPrivateKey = os.Getenv("SENDER_PRIVATE_KEY")
	IPFSAPIURL = os.Getenv("IPFS_API_URL")
	ArtifactBucketURL = os.Getenv("ARTIFACT_BUCKET_URL")

	ChainID = int64(0)
	if os.Getenv("CHAIN_ID") != "" {
		chainID, err := strconv.ParseInt(os.Getenv("CHAIN_ID"), 10, 64)
		if err != nil {
			Log.Panicf("failed to parse CHAIN_ID; %s", err.Error())
		}
		ChainID = chainID
	}

	BlockPollingInterval = defaultBlockPollingInterval
	if os.Getenv("BLOCK_POLLING_INTERVAL") != "" {
		interval, err := time.ParseDuration(os.Getenv("BLOCK_POLLING_INTERVAL"))
		if err != nil {
			Log.Panicf("failed to parse BLOCK_POLLING_INTERVAL; %s", err.Error())
		}
		BlockPollingInterval = interval
	}

	SetupWorkerConcurrency = parseConcurrency("SETUP_WORKER_CONCURRENCY")
	OrderWorkerConcurrency = parseConcurrency("ORDER_WORKER_CONCURRENCY")

	WorkingDirectory = os.Getenv("COMPUTE_WORKING_DIRECTORY")
	if WorkingDirectory == "" {
		WorkingDirectory = os.TempDir()
	}

	ZoKratesBinPath = os.Getenv("ZOKRATES_BIN")
	if ZoKratesBinPath == "" {
		ZoKratesBinPath = "zokrates"
	}

	ZoKratesHomePath = os.Getenv("ZOKRATES_HOME")

	SolcBinPath = os.Getenv("SOLC_BIN")
	if SolcBinPath == "" {
		SolcBinPath = "solc"
	}
}

func parseConcurrency(envVar string) uint64 {
	if os.Getenv(envVar) == "" {
		return defaultWorkerConcurrency
	}

	concurrency, err := strconv.ParseUint(os.Getenv(envVar), 10, 64)
	if err != nil || concurrency == 0 {
		Log.Panicf("failed to parse %s; expected a positive integer", envVar)
	}
	return concurrency
}

// RequireVault resolves or creates the default vault instance used for reveal key custody
func RequireVault() {
	util.RequireVault()

	vaults, err := vault.ListVaults(util.DefaultVaultAccessJWT, map[string]interface{}{})
	if err != nil {
		Log.Panicf("failed to fetch vaults for given compute node vault token; %s", err.Error())
	}

	if len(vaults) > 0 {
		DefaultVault = vaults[0]
		Log.Debugf("resolved default compute node vault instance: %s", DefaultVault.ID.String())
	} else {
		DefaultVault, err = vault.CreateVault(util.DefaultVaultAccessJWT, map[string]interface{}{
			"name":        fmt.Sprintf("compute node vault %d", time.Now().Unix()),
			"description": "default compute node reveal key vault",
		})
		if err != nil {
			Log.Panicf("failed to create default vault for compute node instance; %s", err.Error())
		}
		Log.Debugf("created default compute node vault instance: %s", DefaultVault.ID.String())
	}
}
