// Package jira implements the jira-rest dialect. Bug ids are issue keys
// such as "PROJ-12".
package jira
