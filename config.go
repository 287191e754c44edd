package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"clusterd/cluster"
	"clusterd/gateway"
)

type config struct {
	command string

	ClusterName    string         `yaml:"cluster_name"`
	NodeID         string         `yaml:"node_id"`
	NodeName       string         `yaml:"node_name"`
	NodeAddress    string         `yaml:"node_address"`
	NodeRoles      []cluster.Role `yaml:"node_roles"`
	Store          string         `yaml:"store"`
	EtcdEndpoints  []string       `yaml:"etcd_endpoints"`
	DynamoDBTable  string         `yaml:"dynamodb_table"`
	PostgresURL    string         `yaml:"postgres_url"`
	LeaseDuration  time.Duration  `yaml:"lease_duration"`
	NodeTimeout    time.Duration  `yaml:"node_timeout"`
	PublishTimeout time.Duration  `yaml:"publish_timeout"`
	ListenAddress  string         `yaml:"listen_address"`
	WakeupPort     int            `yaml:"wakeup_port"`
	LogDevelopment bool           `yaml:"log_development"`

	Gateway gateway.Settings `yaml:"gateway"`
}

func defaultConfig() config {
	return config{
		command:        "daemon",
		NodeRoles:      []cluster.Role{cluster.RoleMaster, cluster.RoleData},
		Store:          "etcd",
		EtcdEndpoints:  []string{"127.0.0.1:2379"},
		DynamoDBTable:  "clusterd-clusters",
		PostgresURL:    "postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable",
		LeaseDuration:  5 * time.Second,
		NodeTimeout:    10 * time.Second,
		PublishTimeout: 30 * time.Second,
		ListenAddress:  ":8080",
		WakeupPort:     8081,
		Gateway:        gateway.DefaultSettings(),
	}
}

// local returns the node this process runs as.
func (c config) local() cluster.Node {
	return cluster.Node{
		ID:      c.NodeID,
		Name:    c.NodeName,
		Address: c.NodeAddress,
		Roles:   c.NodeRoles,
	}
}

func parseFlags() config {
	conf, err := loadConfig(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return conf
}

// loadConfig builds the configuration from defaults, then the -config YAML
// file, then flags set explicitly on the command line.
func loadConfig(args []string, output io.Writer) (config, error) {
	conf := defaultConfig()

	fs := flag.NewFlagSet("clusterd", flag.ContinueOnError)
	fs.SetOutput(output)

	configPath := fs.String("config", "", "Path to a YAML configuration file")
	clusterName := fs.String("cluster-name", "", "Name of the cluster")
	nodeID := fs.String("node-id", "", "Persistent id of this node (defaults to the node name)")
	nodeName := fs.String("node-name", "", "Name of this node (defaults to hostname)")
	nodeAddress := fs.String("node-address", "", "Address other nodes reach this node on (defaults to the node name)")
	nodeRoles := fs.String("node-roles", "master,data", "CSV of node roles")
	store := fs.String("store", conf.Store, "State store backend: etcd, dynamodb or postgres")
	etcdEndpoints := fs.String("etcd-endpoints", strings.Join(conf.EtcdEndpoints, ","), "CSV of etcd endpoints")
	dynamoTable := fs.String("dynamodb-table", conf.DynamoDBTable, "DynamoDB table name")
	postgresURL := fs.String("postgres-url", conf.PostgresURL, "PostgreSQL connection string")
	leaseDuration := fs.Duration("lease-duration", conf.LeaseDuration, "Lease duration for master election")
	nodeTimeout := fs.Duration("node-timeout", conf.NodeTimeout, "Time without a heartbeat after which a node is removed")
	publishTimeout := fs.Duration("publish-timeout", conf.PublishTimeout, "Timeout for publishing one cluster state")
	listen := fs.String("listen", conf.ListenAddress, "Address to listen on")
	wakeupPort := fs.Int("wakeup-port", conf.WakeupPort, "UDP port for wakeup packets")
	logDev := fs.Bool("log-dev", false, "Use human-friendly development logging")
	expectedDataNodes := fs.Int("expected-data-nodes", -1, "Data nodes expected before recovering immediately")
	recoverAfterTime := fs.Duration("recover-after-time", -1, "Delay before recovering with fewer than the expected data nodes")
	recoverAfterDataNodes := fs.Int("recover-after-data-nodes", -1, "Data nodes required before recovery starts")

	fs.Usage = func() {
		fmt.Fprintf(output, "Usage: clusterd [options] [command]\n")
		fmt.Fprintln(output, "Commands:")
		fmt.Fprintln(output, "  daemon  Run the node (default)")
		fmt.Fprintln(output, "  reset   Overwrite the published cluster state so the next master recovers from persisted metadata")
		fmt.Fprintln(output, "Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return conf, err
	}

	if *configPath != "" {
		if err := readConfigFile(*configPath, &conf); err != nil {
			return conf, err
		}
	}

	overrides := map[string]func(){
		"cluster-name":             func() { conf.ClusterName = *clusterName },
		"node-id":                  func() { conf.NodeID = *nodeID },
		"node-name":                func() { conf.NodeName = *nodeName },
		"node-address":             func() { conf.NodeAddress = *nodeAddress },
		"node-roles":               func() { conf.NodeRoles = parseRoles(*nodeRoles) },
		"store":                    func() { conf.Store = *store },
		"etcd-endpoints":           func() { conf.EtcdEndpoints = strings.Split(*etcdEndpoints, ",") },
		"dynamodb-table":           func() { conf.DynamoDBTable = *dynamoTable },
		"postgres-url":             func() { conf.PostgresURL = *postgresURL },
		"lease-duration":           func() { conf.LeaseDuration = *leaseDuration },
		"node-timeout":             func() { conf.NodeTimeout = *nodeTimeout },
		"publish-timeout":          func() { conf.PublishTimeout = *publishTimeout },
		"listen":                   func() { conf.ListenAddress = *listen },
		"wakeup-port":              func() { conf.WakeupPort = *wakeupPort },
		"log-dev":                  func() { conf.LogDevelopment = *logDev },
		"expected-data-nodes":      func() { conf.Gateway.ExpectedDataNodes = *expectedDataNodes },
		"recover-after-time":       func() { conf.Gateway.RecoverAfterTime = *recoverAfterTime },
		"recover-after-data-nodes": func() { conf.Gateway.RecoverAfterDataNodes = *recoverAfterDataNodes },
	}
	fs.Visit(func(f *flag.Flag) {
		if override, ok := overrides[f.Name]; ok {
			override()
		}
	})

	if command := fs.Arg(0); command != "" {
		conf.command = command
	}

	if conf.NodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return conf, fmt.Errorf("failed to get hostname: %w", err)
		}
		conf.NodeName = hostname
	}
	if conf.NodeID == "" {
		conf.NodeID = conf.NodeName
	}
	if conf.NodeAddress == "" {
		conf.NodeAddress = conf.NodeName
	}

	if err := conf.validate(); err != nil {
		return conf, err
	}
	return conf, nil
}

func readConfigFile(path string, conf *config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, conf); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func parseRoles(csv string) []cluster.Role {
	var roles []cluster.Role
	for _, r := range strings.Split(csv, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, cluster.Role(r))
		}
	}
	return roles
}

func (c config) validate() error {
	if c.ClusterName == "" {
		return fmt.Errorf("cluster name must be specified with -cluster-name")
	}
	switch c.command {
	case "daemon", "reset":
	default:
		return fmt.Errorf("unknown command %q", c.command)
	}
	switch c.Store {
	case "etcd", "dynamodb", "postgres":
	default:
		return fmt.Errorf("unknown store %q, expected etcd, dynamodb or postgres", c.Store)
	}
	for _, role := range c.NodeRoles {
		if role != cluster.RoleMaster && role != cluster.RoleData {
			return fmt.Errorf("unknown node role %q", role)
		}
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("lease duration must be greater than zero")
	}
	if c.NodeTimeout <= 0 {
		return fmt.Errorf("node timeout must be greater than zero")
	}
	return nil
}
