// Package models defines the core data structures for HuddlePipe.
//
// It includes workflow, topic and conversation records plus the JSON envelope used by the API.
package models

import "strings"

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates a request was accepted for asynchronous processing.
	APIStatusAccepted APIStatus = "accepted"
)

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Convenience functions for common response patterns

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Accepted creates an accepted API response with a message.
func Accepted(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusAccepted).
		WithMessage(message).
		Build()
}

// AddTopicRequest is the body accepted by the topic creation endpoint.
type AddTopicRequest struct {
	Category      string `json:"category"`
	Content       string `json:"content"`
	ReactionEmoji string `json:"reaction_emoji,omitempty"`
}

// Validate trims and checks the request.
func (r *AddTopicRequest) Validate() error {
	r.Category = strings.TrimSpace(r.Category)
	r.Content = strings.TrimSpace(r.Content)
	r.ReactionEmoji = strings.Trim(strings.TrimSpace(r.ReactionEmoji), ":")
	t := Topic{Category: r.Category, Content: r.Content}
	return t.Validate()
}

// JobTriggerResult reports the outcome of a manually triggered batch job.
type JobTriggerResult struct {
	Job    string      `json:"job"`
	Result interface{} `json:"result,omitempty"`
}
