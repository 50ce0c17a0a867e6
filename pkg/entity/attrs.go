package entity

// AccountAttrs describes the account marker entity.
type AccountAttrs struct {
	AccountAlias string `json:"account_alias,omitempty"`
}

func (AccountAttrs) Kind() Kind { return KindAccount }

// InstanceAttrs describes a running EC2 instance.
type InstanceAttrs struct {
	AWSID        string `json:"aws_id"`
	IP           string `json:"ip"`
	Host         string `json:"host"`
	PublicIP     string `json:"public_ip,omitempty"`
	InstanceType string `json:"instance_type"`
	SpotInstance bool   `json:"spot_instance"`
	StateReason  string `json:"state_reason,omitempty"`

	// Image and BlockDevices are always written, empty when unknown.
	Image        Image                  `json:"image"`
	BlockDevices map[string]BlockDevice `json:"block_devices"`
	Events       []InstanceEvent        `json:"events,omitempty"`

	Name         string `json:"name,omitempty"`
	Stack        string `json:"stack,omitempty"`
	StackVersion string `json:"stack_version,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`

	// Populated from instance user data when present.
	ApplicationID      string `json:"application_id,omitempty"`
	ApplicationVersion string `json:"application_version,omitempty"`
	Source             string `json:"source,omitempty"`
	SourceBase         string `json:"source_base,omitempty"`
	Runtime            string `json:"runtime,omitempty"`
	Ports              []int  `json:"ports,omitempty"`
}

func (InstanceAttrs) Kind() Kind { return KindInstance }

// Image identifies the machine image an instance was launched from.
type Image struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Date string `json:"date,omitempty"`
}

// BlockDevice is an EBS volume attached to an instance, keyed by device name.
type BlockDevice struct {
	VolumeID            string `json:"volume_id"`
	Status              string `json:"status,omitempty"`
	DeleteOnTermination bool   `json:"delete_on_termination"`
}

// InstanceEvent is a scheduled maintenance event of an instance.
type InstanceEvent struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
	NotBefore   string `json:"not_before,omitempty"`
	NotAfter    string `json:"not_after,omitempty"`
}

// Application returns the application id the instance runs, if any.
func (a InstanceAttrs) Application() string { return a.ApplicationID }

// AutoScalingGroupAttrs describes an auto scaling group.
type AutoScalingGroupAttrs struct {
	Name              string        `json:"name"`
	AvailabilityZones []string      `json:"availability_zones"`
	DesiredCapacity   int           `json:"desired_capacity"`
	MaxSize           int           `json:"max_size"`
	MinSize           int           `json:"min_size"`
	Instances         []ASGInstance `json:"instances"`
}

// ASGInstance is an in-service member of an auto scaling group.
type ASGInstance struct {
	AWSID string `json:"aws_id"`
	IP    string `json:"ip,omitempty"`
}

func (AutoScalingGroupAttrs) Kind() Kind { return KindAutoScalingGroup }

// LoadBalancerAttrs describes a classic, application or network load balancer.
type LoadBalancerAttrs struct {
	Name             string   `json:"name"`
	DNSName          string   `json:"dns_name"`
	Host             string   `json:"host"`
	ELBType          string   `json:"elb_type"`
	Scheme           string   `json:"scheme"`
	URL              string   `json:"url"`
	CloudWatchName   string   `json:"cloudwatch_name,omitempty"`
	Members          int      `json:"members"`
	ActiveMembers    int      `json:"active_members"`
	TargetGroups     int      `json:"target_groups,omitempty"`
	TargetGroupsARNs []string `json:"target_groups_arns,omitempty"`

	// Weighted Route 53 records resolving to this load balancer.
	DNSNames              []string `json:"dns_names,omitempty"`
	DNSTrafficWeight      int      `json:"dns_traffic_weight,omitempty"`
	DNSTrafficWeightTotal int      `json:"dns_traffic_weight_total,omitempty"`
}

func (LoadBalancerAttrs) Kind() Kind { return KindLoadBalancer }

// DatabaseAttrs describes an RDS database instance.
type DatabaseAttrs struct {
	Name         string            `json:"name"`
	Engine       string            `json:"engine"`
	Version      string            `json:"version,omitempty"`
	Host         string            `json:"host"`
	Port         int               `json:"port"`
	InstanceType string            `json:"instance_type"`
	StorageType  string            `json:"storage_type"`
	StorageSize  int               `json:"storage_size"`
	Shards       map[string]string `json:"shards"`
}

func (DatabaseAttrs) Kind() Kind { return KindDatabase }

// PostgresDatabaseAttrs describes one database inside a PostgreSQL cluster.
type PostgresDatabaseAttrs struct {
	PostgresCluster string            `json:"postgresql_cluster"`
	DatabaseName    string            `json:"database_name"`
	Shards          map[string]string `json:"shards"`
}

func (PostgresDatabaseAttrs) Kind() Kind { return KindPostgresDatabase }

// DynamoDBAttrs describes a DynamoDB table.
type DynamoDBAttrs struct {
	Name string `json:"name"`
	ARN  string `json:"arn"`
}

func (DynamoDBAttrs) Kind() Kind { return KindDynamoDB }

// QueueAttrs describes an SQS queue.
type QueueAttrs struct {
	Name                           string   `json:"name"`
	URL                            string   `json:"url"`
	ARN                            string   `json:"arn"`
	MessageRetentionPeriodSeconds  int      `json:"message_retention_period_seconds"`
	MaximumMessageSizeBytes        int      `json:"maximum_message_size_bytes"`
	ReceiveMessagesWaitTimeSeconds int      `json:"receive_messages_wait_time_seconds"`
	DelaySeconds                   int      `json:"delay_seconds"`
	VisibilityTimeoutSeconds       int      `json:"visibility_timeout_seconds"`
	DeadLetterTargetARN            string   `json:"redrive_policy_dead_letter_target_arn,omitempty"`
	MaxReceiveCount                int      `json:"redrive_policy_max_receive_count,omitempty"`
	DeadLetterSourceURLs           []string `json:"redrive_policy_dead_letter_source_urls,omitempty"`
}

func (QueueAttrs) Kind() Kind { return KindQueue }

// CacheNodeAttrs describes one available ElastiCache node.
type CacheNodeAttrs struct {
	ClusterID        string `json:"cluster_id"`
	NodeID           string `json:"node_id"`
	Engine           string `json:"engine"`
	Version          string `json:"version"`
	ClusterNumNodes  int    `json:"cluster_num_nodes"`
	Host             string `json:"host"`
	Port             int    `json:"port"`
	InstanceType     string `json:"instance_type"`
	ReplicationGroup string `json:"replication_group,omitempty"`
}

func (CacheNodeAttrs) Kind() Kind { return KindElastiCache }

// CertificateAttrs describes an IAM server certificate or an ACM certificate.
type CertificateAttrs struct {
	Name            string `json:"name"`
	ARN             string `json:"arn"`
	Status          string `json:"status"`
	CertificateType string `json:"certificate_type"`
	Expiration      string `json:"expiration"`
}

func (CertificateAttrs) Kind() Kind { return KindCertificate }

// LimitsAttrs maps "<service>-<max|used>-<resource>" to a count.
type LimitsAttrs map[string]int

func (LimitsAttrs) Kind() Kind { return KindLimits }

// ApplicationAttrs describes an application derived from discovered instances.
type ApplicationAttrs struct {
	ApplicationID      string `json:"application_id"`
	ScalyrTimeseriesID string `json:"scalyr_ts_id,omitempty"`
}

func (ApplicationAttrs) Kind() Kind { return KindApplication }

// Opaque carries attributes of entities read back from the registry.
// The agent never interprets them beyond comparison.
type Opaque struct {
	Type   Kind
	Fields map[string]any
}

func (o Opaque) Kind() Kind { return o.Type }

// String returns a string field or "".
func (o Opaque) String(key string) string {
	s, _ := o.Fields[key].(string)
	return s
}
