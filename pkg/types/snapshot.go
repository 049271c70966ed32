package types

// View (pushed whenever the room, the countdown or the connection changes;
// an empty view means the client is not in a room):
//   roomId: string
//   version: number // store version of the room document
//   room:
//     roomId, hostId: string
//     players: { id, name, avatarUrl }[]
//     phase: "lobby" | "playing" | "voting" | "finished"
//     currentRound: number // 0 in the lobby, 1-based afterwards
//     maxRounds: number
//     roles: { [playerId]: "villager" | "impostor" } // only your own until finished
//     votes: { [playerId]: "approve" | "reject" }    // only your own
//     lastRoundResult, finalResult: RoundResult | null
//     history: RoundResult[]
//     createdAt, gameStartedAt: timestamps
//   product: { id, name, description, hint, properties[] } // while playing or voting
//   checklist: string[] // the variant for your role
//   userRole, userVote: string
//   voted: string[]     // player ids who have voted this round
//   timeLeft: number    // seconds, voting only
//   votesIn: number
//   allVoted, isHost: boolean
//
// RoundResult:
//   round: number
//   winner: "villager" | "impostor"
//   reason, details: string
//   majorityApproved: boolean
//   voteBreakdown: { total, approve, reject, villagerApproves, impostorApproves, villagerTotal, impostorTotal }
//   productInfo: { name, isGenuine, description }
