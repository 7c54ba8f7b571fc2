package main

var (
	versionGit    = "development"
	versionNumber = "1.0.0"
	versionString = "postdrop " + versionNumber + " (" + versionGit + ")\n"
)
