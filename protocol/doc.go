/*
Package protocol implements the line-oriented wire protocol spoken with the R process.

Outbound traffic consists of newline-terminated R statements written to the process's stdin. One function call is five statements: parse the JSON input into a binding, apply the configured function, print the start sentinel, print the JSON-serialized result, print the end sentinel.

Inbound traffic is the process's stdout, read line by line. A response is framed by the literal sentinel lines "<s>" and "<e>". Anything before the start sentinel is uncorrelated interpreter chatter and is discarded. The payload between the sentinels is R's printed rendering of a JSON string, so it must be unwrapped (index markers, escapes, surrounding quotes) before it parses as JSON.

The framing and unwrapping logic here is pure: it never touches process I/O, so it can be tested against plain line slices.
*/
package protocol
