package link

// handlerFunc mutates shared state for one parsed line and reports whether
// the line should be relayed to the other connected links.
type handlerFunc func(s *Server, l *Link, prefix string, params []string) (relay bool, err error)

// command declares the parameter contract for one protocol command. preAuth
// commands are the only ones accepted before the link reaches CONNECTED.
type command struct {
	minParams int
	preAuth   bool
	handler   handlerFunc
}

// commands maps a command token to its contract and handler. Handlers that
// return relay=false are link-local or decided against propagation; burst
// suppression is applied by the dispatcher, not here.
var commands = map[string]command{
	"CAPAB":    {minParams: 1, preAuth: true, handler: handleCapab},
	"SERVER":   {minParams: 5, preAuth: true, handler: handleServer},
	"ERROR":    {minParams: 1, preAuth: true, handler: handleError},
	"PING":     {minParams: 1, handler: handlePing},
	"PONG":     {minParams: 1, handler: handlePong},
	"BURST":    {minParams: 0, handler: handleBurst},
	"ENDBURST": {minParams: 0, handler: handleEndBurst},
	"UID":      {minParams: 7, handler: handleUID},
	"NICK":     {minParams: 2, handler: handleNick},
	"QUIT":     {minParams: 0, handler: handleQuit},
	"KILL":     {minParams: 2, handler: handleKill},
	"OPERTYPE": {minParams: 1, handler: handleOperType},
	"AWAY":     {minParams: 0, handler: handleAway},
	"FJOIN":    {minParams: 4, handler: handleFJoin},
	"FMODE":    {minParams: 3, handler: handleFMode},
	"FTOPIC":   {minParams: 4, handler: handleFTopic},
	"SQUIT":    {minParams: 2, handler: handleSquit},
	"ADDLINE":  {minParams: 6, handler: handleAddLine},
	"DELLINE":  {minParams: 2, handler: handleDelLine},
	"METADATA": {minParams: 2, handler: handleMetadata},
	"ENCAP":    {minParams: 2, handler: handleEncap},
}
