package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	channelCmds
	targetCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Talking to the target", channelCmds},
	{"Controlling the target", targetCmds},
	{"Other commands", otherCmds},
}
