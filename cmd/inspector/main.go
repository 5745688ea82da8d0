// Copyright 2019 Facet Data, Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The inspector binary runs a quota-enforcing reverse proxy in front of a
// query endpoint, backed by MySQL or Redis for caps and usage counters.
package main

import (
	"context"
	"flag"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/facetdata/inspector/monitoring/prometheus"
	"github.com/facetdata/inspector/quotas"
	"github.com/facetdata/inspector/server"
	"github.com/facetdata/inspector/stats"
	"github.com/facetdata/inspector/stats/mysqlstats"
	"github.com/facetdata/inspector/stats/redisstats"
	"github.com/go-redis/redis"
	"k8s.io/klog/v2"
)

var (
	httpEndpoint      = flag.String("http_endpoint", "localhost:8090", "Endpoint for HTTP requests (host:port)")
	downstreamURL     = flag.String("downstream_url", "http://localhost:8082", "URL of the downstream server that guarded requests are proxied to")
	guardedPathPrefix = flag.String("guarded_path_prefix", "/druid/v2", "Path prefix under which quota enforcement applies")
	capsSyncPeriod    = flag.Duration("caps_sync_period", quotas.DefaultSyncPeriod, "Delay between periodic cap refreshes")

	statsBackend       = flag.String("stats_backend", "mysql", "Stats storage backend, one of [mysql, redis]")
	transactionRetries = flag.Int("transaction_retries", stats.DefaultTransactionRetries, "Maximum retries for transient storage failures")

	mysqlURI          = flag.String("mysql_uri", "inspector@tcp(127.0.0.1:3306)/inspector", "Connection URI for the MySQL database")
	mysqlMaxConns     = flag.Int("mysql_max_conns", 0, "Maximum connections to the MySQL database; 0 means unlimited")
	mysqlMaxIdleConns = flag.Int("mysql_max_idle_conns", -1, "Maximum idle connections to the MySQL database; negative means the driver default")

	redisServer   = flag.String("redis_server", "localhost:6379", "Host:port of the Redis server")
	redisPassword = flag.String("redis_password", "", "Password for the Redis server")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	downstream, err := url.Parse(*downstreamURL)
	if err != nil {
		klog.Exitf("invalid downstream_url [%s]: %v", *downstreamURL, err)
	}

	mf := prometheus.MetricFactory{Prefix: "inspector_"}

	var manager stats.Manager
	var isHealthy func(context.Context) error
	switch *statsBackend {
	case "mysql":
		db, err := mysqlstats.OpenDB(*mysqlURI, *mysqlMaxConns, *mysqlMaxIdleConns)
		if err != nil {
			klog.Exitf("failed to open MySQL database: %v", err)
		}
		defer db.Close()
		manager = mysqlstats.New(db, *transactionRetries)
		isHealthy = db.PingContext
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: *redisServer, Password: *redisPassword})
		defer client.Close()
		manager = redisstats.New(client, *transactionRetries)
		isHealthy = func(context.Context) error { return client.Ping().Err() }
	default:
		klog.Exitf("unknown stats_backend [%s]", *statsBackend)
	}

	q, err := quotas.New(ctx, manager, quotas.Options{
		SyncPeriod:    *capsSyncPeriod,
		MetricFactory: mf,
	})
	if err != nil {
		klog.Exitf("failed to create quota inspector: %v", err)
	}
	defer q.Close()

	m := &server.Main{
		HTTPEndpoint:      *httpEndpoint,
		DownstreamURL:     downstream,
		GuardedPathPrefix: *guardedPathPrefix,
		Inspector:         q,
		StatsManager:      manager,
		MetricFactory:     mf,
		IsHealthy:         isHealthy,
	}
	if err := m.Run(ctx); err != nil {
		klog.Exitf("server exited with error: %v", err)
	}
}
