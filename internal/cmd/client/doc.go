// Package client provides the `codeq` command-line client.
//
// The CLI talks to the codeq HTTP API to perform common task operations
// from a terminal. It is primarily intended for developers and operators.
//
// Installation
//
//	go install github.com/osvaldoandrade/codeq/cmd/codeq@latest
//
// # Address and credentials
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. When using the standalone binary, it
// defaults to http://127.0.0.1:8080 and honors CODEQ_HTTP. The bearer
// token is read from CODEQ_TOKEN; API routes reject requests without a
// valid token.
//
// Usage
//
//	codeq task enqueue --command GENERATE_CREATIVE \
//	    --payload '{"templateId":"tpl-1"}' \
//	    --idempotency-key order-123
//
//	# Claim blocks up to --wait-seconds when the queue is empty
//	codeq task claim --command GENERATE_CREATIVE --lease-seconds 60 --wait-seconds 20
//
//	codeq task heartbeat TASK_ID --extend-seconds 60
//	codeq task complete TASK_ID --status COMPLETED --result '{"url":"s3://bucket/out"}'
//	codeq task result TASK_ID
//
//	# Webhook subscriptions replace claim polling for idle workers
//	codeq worker subscribe --command GENERATE_CREATIVE --url http://worker:9090/ready
//
//	codeq admin queues
//	codeq admin cleanup --limit 1000
//
// Notes
//
//   - claim returns "no work" when nothing is ready for the requested
//     commands; commands outside the token's allowance are ignored.
//   - complete with --status FAILED records --error with the task.
package client
