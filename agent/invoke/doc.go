/*
Package invoke provides a client and server for calling a remote bridge's R function. It uses WebSockets for messaging so only requires an HTTPS server.

There are two messages in this protocol: "request" messages are sent client->server and carry one call's input values, and "response" messages are sent server->client and carry the call's result, its no-result marker, or its error. The schema for these messages is described in types.go.

The protocol proceeds as follows:

1. The client opens a WebSocket connection with the server
2. The client sends a request message containing the call's input values
3. The server invokes the bridge's function and sends back a response message
4. Steps 2-3 repeat for further calls on the same connection
5. The client initiates closing of the WebSocket connection

The bridge behind the server supports one in-flight call at a time, so concurrent connections are serialized against it.
*/
package invoke
