package cmn

import (
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/golang/glog"
)

// Config is the process-wide configuration snapshot, generated from
// chronos.conf and (optionally) chronos_cluster.conf. It is always replaced
// as a whole - nothing in this struct is mutated in place - so that readers
// holding a *Config never observe a half-updated value.
type Config struct {
	HTTP struct {
		BindAddress string
		BindPort    int
		Threads     int
	}
	Cluster struct {
		LocalAddress string
		Nodes        []string
		Leaving      []string
	}
	Logging struct {
		Folder string
		Level  int
	}
	Alarms struct {
		Enabled bool
	}
	Exceptions struct {
		MaxTTL int
	}
	DNS struct {
		Servers []string
	}
}

func defaultConfig() *Config {
	c := &Config{}
	c.HTTP.BindAddress = "localhost"
	c.HTTP.BindPort = 7253
	c.HTTP.Threads = 50
	c.Cluster.LocalAddress = "localhost:7253"
	c.Cluster.Nodes = []string{"localhost:7253"}
	c.Logging.Folder = "/var/log/chronos"
	c.Logging.Level = 2
	c.Exceptions.MaxTTL = 600
	c.DNS.Servers = []string{"127.0.0.1"}
	return c
}

// loadFromFiles reads the main config file, and then the cluster config
// file if one was given and exists; the cluster file only ever overrides
// the cluster.* keys, everything else comes from the main file. This
// mirrors Globals::update_config's two-file merge.
func loadFromFiles(configFile, clusterConfigFile string) (*Config, error) {
	main, err := parseIniFile(configFile)
	if err != nil {
		return nil, err
	}

	c := defaultConfig()
	c.HTTP.BindAddress = main.str("http.bind-address", c.HTTP.BindAddress)
	c.HTTP.BindPort = main.intval("http.bind-port", c.HTTP.BindPort)
	c.HTTP.Threads = main.intval("http.threads", c.HTTP.Threads)
	c.Logging.Folder = main.str("logging.folder", c.Logging.Folder)
	c.Logging.Level = main.intval("logging.level", c.Logging.Level)
	c.Alarms.Enabled = main.boolean("alarms.enabled", c.Alarms.Enabled)
	c.Exceptions.MaxTTL = main.intval("exceptions.max_ttl", c.Exceptions.MaxTTL)
	c.DNS.Servers = main.list("dns.servers", c.DNS.Servers)

	clusterSrc := main
	if clusterConfigFile != "" {
		if f, err := parseIniFile(clusterConfigFile); err == nil {
			clusterSrc = f
		} else {
			glog.Infof("no cluster configuration (file %s could not be read: %v)", clusterConfigFile, err)
		}
	}

	c.Cluster.LocalAddress = clusterSrc.str("cluster.localhost", c.Cluster.LocalAddress)
	c.Cluster.Nodes = clusterSrc.list("cluster.node", c.Cluster.Nodes)
	c.Cluster.Leaving = clusterSrc.list("cluster.leaving", nil)

	return c, nil
}

// ConfigListener is notified after every successful config commit, so that
// cluster hashes/bloom and the resync driver can react to a changed view.
type ConfigListener interface {
	ConfigChanged(oldConf, newConf *Config)
}

// ConfigOwner is a read-copy-update holder for the active Config: readers
// call Get and never block; the only writer is Reload, which builds a fresh
// Config from the files and swaps it in as a whole.
type ConfigOwner struct {
	mtx  sync.Mutex
	c    unsafe.Pointer
	lmtx sync.Mutex
	subs []ConfigListener

	configFile        string
	clusterConfigFile string
}

func NewConfigOwner(configFile, clusterConfigFile string) *ConfigOwner {
	return &ConfigOwner{configFile: configFile, clusterConfigFile: clusterConfigFile}
}

func (o *ConfigOwner) Get() *Config {
	return (*Config)(atomic.LoadPointer(&o.c))
}

func (o *ConfigOwner) Subscribe(l ConfigListener) {
	o.lmtx.Lock()
	defer o.lmtx.Unlock()
	o.subs = append(o.subs, l)
}

func (o *ConfigOwner) notify(old, new *Config) {
	o.lmtx.Lock()
	subs := append([]ConfigListener(nil), o.subs...)
	o.lmtx.Unlock()
	for _, l := range subs {
		l.ConfigChanged(old, new)
	}
}

// Reload parses both config files from scratch and commits the result as
// the new active config, notifying listeners of the change.
func (o *ConfigOwner) Reload() error {
	o.mtx.Lock()
	defer o.mtx.Unlock()

	newConf, err := loadFromFiles(o.configFile, o.clusterConfigFile)
	if err != nil {
		return err
	}

	old := o.Get()
	atomic.StorePointer(&o.c, unsafe.Pointer(newConf))

	glog.Infof("bind address: %s", newConf.HTTP.BindAddress)
	glog.Infof("cluster local address: %s", newConf.Cluster.LocalAddress)
	glog.Infof("cluster nodes: %s", strings.Join(newConf.Cluster.Nodes, ", "))
	glog.Infof("alarms enabled: %v", newConf.Alarms.Enabled)

	if old != nil {
		o.notify(old, newConf)
	} else {
		o.notify(newConf, newConf)
	}
	return nil
}
