// Package store holds the gateway's durable collaborator state: device
// attributes (JSON file), registered device public keys (PEM/OpenSSH
// files) and known firmware images. Each store also has an in-memory
// implementation for tests and standalone runs.
package store
