package mcpserver

// AddressFormat describes the link address profiles the channels accept.
const AddressFormat = `# Link Address Format

A link address is a JSON object. Which fields apply depends on the channel.

## twoSixDirectJava (TCP)

` + "```" + `json
{"hostname": "10.0.0.2", "port": 10000}
` + "```" + `

- hostname: REQUIRED. Host the receiving node listens on.
- port: REQUIRED. TCP port, 1..65535.

Links created locally are receive-only. A loaded address is send-only.

## twoSixIndirectJava (whiteboard)

` + "```" + `json
{"hostname": "twosix-whiteboard", "port": 5000, "hashtag": "java_race-client-00001_0",
 "checkFrequency": 1000, "timestamp": 1700000000.5}
` + "```" + `

- hostname, port, hashtag: REQUIRED. Where the shared dead-drop lives.
- checkFrequency: OPTIONAL. Poll interval in milliseconds (default 1000).
- timestamp: OPTIONAL. Epoch seconds to start reading from (default: now).

Whiteboard links send and receive. Every node holding the address reads the
same posts.

## Workflow

1. activate_channel, then list_channels until the channel is CHANNEL_AVAILABLE.
2. create_link on one node and hand its address to the peer.
3. load_link_address on the peer.
4. open_connection on both links, then send_package.
`
