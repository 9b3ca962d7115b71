// Package dynamodb implements the dynatx.ItemStore contract over the real
// backing store, plus client construction and table bootstrap helpers.
package dynamodb

import (
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// Config contains configuration for connecting to DynamoDB.
type Config struct {
	// Region is the AWS region.
	Region string `json:"region"`
	// EndpointURL overrides the service endpoint, e.g. for a local stack.
	EndpointURL string `json:"endpoint_url,omitempty"`
	// AccessKeyID/SecretAccessKey/SessionToken configure static credentials.
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	SessionToken    string `json:"session_token,omitempty"`
	// Credentials, when set, takes precedence over the static credential fields.
	Credentials aws.CredentialsProvider `json:"-"`
	// RetryMaxAttempts caps SDK-level retries. 0 keeps the SDK default.
	RetryMaxAttempts int `json:"retry_max_attempts,omitempty"`
}

// Connection wraps a DynamoDB client and its configuration.
type Connection struct {
	Client *awsdynamodb.Client
	Config
}

var connection *Connection
var mux sync.Mutex

// IsConnectionInstantiated reports whether a global Connection has been created.
func IsConnectionInstantiated() bool {
	return connection != nil
}

// OpenConnection returns the existing global Connection or opens a new one using the provided config.
func OpenConnection(config Config) (*Connection, error) {
	if connection != nil {
		return connection, nil
	}
	mux.Lock()
	defer mux.Unlock()

	if connection != nil {
		return connection, nil
	}
	if config.Region == "" {
		return nil, fmt.Errorf("region is required")
	}
	creds := config.Credentials
	if creds == nil {
		if config.AccessKeyID == "" || config.SecretAccessKey == "" {
			return nil, fmt.Errorf("credentials are required, 'set Credentials or the static key fields")
		}
		creds = credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, config.SessionToken)
	}
	options := awsdynamodb.Options{
		Region:      config.Region,
		Credentials: creds,
	}
	if config.EndpointURL != "" {
		options.BaseEndpoint = aws.String(config.EndpointURL)
	}
	if config.RetryMaxAttempts > 0 {
		options.RetryMaxAttempts = config.RetryMaxAttempts
	}
	c := Connection{
		Client: awsdynamodb.New(options),
	}
	c.Config = config
	connection = &c
	return connection, nil
}

// CloseConnection drops the global Connection. The underlying client holds no
// sockets of its own; this only resets the singleton.
func CloseConnection() {
	if connection != nil {
		mux.Lock()
		defer mux.Unlock()
		connection = nil
	}
}
