// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package models

// Stage is a lead's position in the outreach pipeline. The integer
// ordering is the monotonicity invariant: transitions only ever move
// to a numerically higher stage.
type Stage int

const (
	StageFound Stage = iota
	StageEmailSent
	StageInterestedReply
	StageBooked
)

var stageNames = map[Stage]string{
	StageFound:           "FOUND",
	StageEmailSent:       "EMAIL_SENT",
	StageInterestedReply: "INTERESTED_REPLY",
	StageBooked:          "BOOKED",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Lead carries the fields needed to create a CRM record.
type Lead struct {
	Email       string
	FirstName   string
	LastName    string
	CompanyName string
	Website     string
	Phone       string
}
