/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	dbconf "github.com/kthomas/go-db-config"
	redisutil "github.com/kthomas/go-redisutil"
	provide "github.com/provideplatform/provide-go/common"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/zkmarket/compute-node/common"
	"github.com/zkmarket/compute-node/job"
	"github.com/zkmarket/compute-node/listener"
	"github.com/zkmarket/compute-node/orders"
	"github.com/zkmarket/compute-node/settlement"
	"github.com/zkmarket/compute-node/setup"
)

const runloopSleepInterval = 250 * time.Millisecond
const runloopTickInterval = 5000 * time.Millisecond

var (
	cancelF     context.CancelFunc
	closing     uint32
	shutdownCtx context.Context
	sigs        chan os.Signal

	srv *http.Server
)

func main() {
	common.Log.Debug("starting compute node API...")

	common.PanicIfEmpty(common.ChainRPCURL, "CHAIN_RPC_URL")
	common.PanicIfEmpty(os.Getenv("CHAIN_ID"), "CHAIN_ID")
	common.PanicIfEmpty(common.MarketplaceContractAddress, "MARKETPLACE_CONTRACT_ADDRESS")
	common.PanicIfEmpty(common.SenderPrivateKey, "SENDER_PRIVATE_KEY")
	common.PanicIfEmpty(common.IPFSAPIURL, "IPFS_API_URL")
	common.PanicIfEmpty(common.ArtifactBucketURL, "ARTIFACT_BUCKET_URL")

	installSignalHandlers()

	redisutil.RequireRedis()
	common.RequireVault()
	requireListener()
	runAPI()

	timer := time.NewTicker(runloopTickInterval)
	defer timer.Stop()

	for !shuttingDown() {
		select {
		case <-timer.C:
			// tick
		case sig := <-sigs:
			common.Log.Debugf("received signal: %s", sig)
			srv.Shutdown(shutdownCtx)
			shutdown()
		case <-shutdownCtx.Done():
			close(sigs)
		default:
			time.Sleep(runloopSleepInterval)
		}
	}

	common.Log.Debug("exiting compute node API")
}

// requireListener connects to the configured chain node, subscribes the order
// lifecycle handlers and starts the polling loop
func requireListener() {
	client, err := ethclient.Dial(common.ChainRPCURL)
	if err != nil {
		common.Log.Panicf("failed to dial chain JSON-RPC endpoint; %s", err.Error())
	}

	l := listener.Init(
		client,
		common.MarketplaceContractAddress,
		settlement.MarketplaceABI,
		common.BlockPollingInterval,
		dbconf.DatabaseConnection(),
	)

	if err := orders.RegisterEventHandlers(l); err != nil {
		common.Log.Panicf("failed to register marketplace event handlers; %s", err.Error())
	}

	if err := l.Start(); err != nil {
		common.Log.Panicf("failed to start marketplace event listener; %s", err.Error())
	}
}

func runAPI() {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/status", statusHandler)

	job.InstallAPI(r)
	orders.InstallAPI(r)
	setup.InstallAPI(r)

	srv = &http.Server{
		Addr:    listenAddr(),
		Handler: r,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			common.Log.Panicf("failed to serve compute node API; %s", err.Error())
		}
	}()

	common.Log.Debugf("compute node API listening on %s", srv.Addr)
}

func statusHandler(c *gin.Context) {
	provide.Render(nil, 204, c)
}

func listenAddr() string {
	port := os.Getenv("API_PORT")
	if port == "" {
		port = "8080"
	}
	return fmt.Sprintf("%s:%s", os.Getenv("API_HOST"), port)
}

func installSignalHandlers() {
	common.Log.Debug("installing signal handlers for compute node API")
	sigs = make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	shutdownCtx, cancelF = context.WithCancel(context.Background())
}

func shutdown() {
	if atomic.AddUint32(&closing, 1) == 1 {
		common.Log.Debug("shutting down compute node API")
		cancelF()
	}
}

func shuttingDown() bool {
	return atomic.LoadUint32(&closing) > 0
}
