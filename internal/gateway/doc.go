// Package gateway orchestrates the chat-gateway server components.
//
// # Overview
//
// The gateway owns the store, the completion port, the connection registry,
// and the conversation service, and serves them over one HTTP server and one
// gRPC server. It can listen on plain TCP or join a tailnet through tsnet.
//
// # HTTP API
//
//   - GET / - Banner
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (pings the store)
//   - POST /users - Create a user
//   - GET /users/{username} - Look up a user
//   - POST /users/{user_id}/conversations - Create a conversation
//   - GET /users/{user_id}/conversations - List a user's conversations
//   - GET /conversations/{id}/messages - History; ?format=html renders markdown
//   - POST /chat/{user_id} - One exchange, JSON reply; honors Idempotency-Key
//   - POST /chat/stream/{user_id} - One exchange streamed as SSE data lines
//   - GET /ws/{user_id} - Websocket streaming session
//   - GET /ws/users/{user_id}/status - Live connection count for a user
//   - GET /metrics - Prometheus metrics when enabled
//
// # Websocket Sessions
//
// Every accepted websocket is registered under its user before the session
// starts and unregistered when it ends, whatever the reason, including a
// panic inside the session. An unknown user is accepted and then closed with
// status 4004. See package session for the event protocol.
//
// # Fan-out
//
// Replies produced by the single-shot and SSE surfaces are also delivered to
// the user's open websockets as message_complete events.
//
// # gRPC
//
// The gRPC server carries the standard health service and reflection. Health
// reports SERVING between Run starting the listeners and Shutdown.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx) // blocks until ctx is canceled
//
// Shutdown stops the HTTP server, then gRPC, then tsnet, then closes the store.
package gateway
