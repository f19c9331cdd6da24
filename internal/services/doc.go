// Package services carries the error taxonomy and context plumbing shared
// by the external collaborator clients and the pipeline stages.
package services
