// Command chronosd runs one node of a Chronos cluster: an HTTP front-end,
// a pop loop, a replication pool, a callback pool and a resync driver,
// all started and stopped together.
package main

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/golang/glog"

	"github.com/Metaswitch/chronos-sub001/internal/callback"
	"github.com/Metaswitch/chronos-sub001/internal/cluster"
	"github.com/Metaswitch/chronos-sub001/internal/cmn"
	"github.com/Metaswitch/chronos-sub001/internal/handler"
	"github.com/Metaswitch/chronos-sub001/internal/replicator"
	"github.com/Metaswitch/chronos-sub001/internal/resync"
	"github.com/Metaswitch/chronos-sub001/internal/restapi"
	"github.com/Metaswitch/chronos-sub001/internal/store"
)

const replicationFactor = 2

type cliVars struct {
	configFile        string
	clusterConfigFile string
	tickMs            int
}

func parseFlags() cliVars {
	var v cliVars
	flag.StringVar(&v.configFile, "config", "/etc/chronos/chronos.conf", "path to the main configuration file")
	flag.StringVar(&v.clusterConfigFile, "cluster-config", "/etc/chronos/chronos_cluster.conf", "path to the cluster configuration file")
	flag.IntVar(&v.tickMs, "tick-ms", 10, "pop loop tick interval in milliseconds")
	flag.Parse()
	return v
}

func main() {
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	cli := parseFlags()

	owner := cmn.NewConfigOwner(cli.configFile, cli.clusterConfigFile)
	if err := owner.Reload(); err != nil {
		glog.Errorf("failed to load configuration: %v", err)
		return 1
	}
	conf := owner.Get()

	bridge := cluster.NewConfigBridge(replicationFactor)
	owner.Subscribe(bridge)
	bridge.ConfigChanged(conf, conf)

	resolver := func() *cluster.Resolver { return bridge.Resolver() }

	watchdog := cmn.NewWatchdog(time.Duration(conf.Exceptions.MaxTTL)*time.Second, func() {
		glog.Errorf("exiting process after sustained health check failure")
		os.Exit(1)
	})

	st := store.New(watchdog)
	client := cmn.NewClient(5*time.Second, conf.DNS.Servers)

	replPool := replicator.NewPool(client, replicator.DefaultWorkers)

	h := handler.New(st, resolver, replPool, cli.tickMs)
	cbPool := callback.NewPool(client, h, callback.DefaultWorkers)
	h.SetCallbackPool(cbPool)

	srv := restapi.New(conf.HTTP.BindAddress+":"+strconv.Itoa(conf.HTTP.BindPort), h, resolver, st)

	driver := resync.NewDriver(client, h, resolver, 8)
	bridge.Subscribe(driver)

	watcher, err := cmn.NewConfigWatcher(owner, cli.configFile, cli.clusterConfigFile)
	if err != nil {
		glog.Warningf("could not watch configuration files for changes: %v", err)
	}

	group := cmn.NewRunGroup()
	group.Add(replPool, "replicator")
	group.Add(cbPool, "callback")
	group.Add(h, "handler")
	group.Add(srv, "restapi")
	group.Add(driver, "resync")
	if watcher != nil {
		group.Add(watcher, "config-watcher")
	}

	if err := group.Run(); err != nil {
		glog.Errorf("chronosd exited with error: %v", err)
		return 1
	}
	return 0
}
